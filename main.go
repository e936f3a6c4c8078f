package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "net/http/pprof"
)

func main() {
	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)

	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("./")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(viper.GetViper())
	if err := viper.ReadInConfig(); err != nil {
		log.Sugar().Fatal("init config error:", err)
	}

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Sugar().Fatal("init config unmarshal error:", err)
	}
	if cfg.Secret == "" {
		log.Sugar().Fatal("secret is required")
	}

	go func() {
		http.ListenAndServe(cfg.PprofHost, nil)
	}()

	loglevel := logger.Error
	if cfg.DBLog {
		loglevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DB), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		log.Sugar().Fatal("open db:", err)
	}
	store, err := NewMessageStore(db)
	if err != nil {
		log.Sugar().Fatal("init store:", err)
	}

	node := newNode(&cfg, store, NewJWTVerifier(cfg.Secret))
	defer node.Close()

	m := http.NewServeMux()
	for _, ch := range cfg.Channels {
		m.HandleFunc("/ws/"+ch, node.serveWS(ch))
	}
	m.HandleFunc("/messages/sync", node.handleSync)
	m.HandleFunc("/admin/notify", node.handleAdminNotify)
	m.Handle("/metrics", promhttp.Handler())

	log.Sugar().Info("Start:", cfg.Host)
	if err := http.ListenAndServe(cfg.Host, m); err != nil {
		log.Sugar().Fatal("ListenAndServe: ", err)
	}
}
