package bitcoin

// Config is the connection configuration for the bitcoin daemon. It is
// embedded in the bridge configuration and populated by viper.
type Config struct {
	Host        string `mapstructure:"host" json:"host"`
	Port        int64  `mapstructure:"port" json:"port"`
	RPCUser     string `mapstructure:"rpc_user" json:"rpc_user"`
	Password    string `mapstructure:"password" json:"password"`
	LocalDBPath string `mapstructure:"local_db_path" json:"local_db_path"`
}
