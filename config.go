package main

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host      string `json:"host"`
	PprofHost string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`

	// Secret verifies bearer tokens at the socket boundary, AdminSecret
	// signs admin push requests.
	Secret      string `json:"secret"`
	AdminSecret string `json:"adminsecret"`

	DB    string `json:"db"`
	DBLog bool   `json:"dblog"`

	// Channels are the logical namespaces served under /ws/<name>.
	// PresenceChannel is the one that carries USER_STATUS_CHANGE fanout.
	Channels        []string `json:"channels" yaml:"channels" mapstructure:"channels"`
	PresenceChannel string   `json:"presence_channel" yaml:"presence_channel" mapstructure:"presence_channel"`

	Rate   RateConfig   `json:"rate" yaml:"rate" mapstructure:"rate"`
	Dedup  DedupConfig  `json:"dedup" yaml:"dedup" mapstructure:"dedup"`
	Redis  RedisConfig  `json:"redis" yaml:"redis" mapstructure:"redis"`
	Socket SocketConfig `json:"socket" yaml:"socket" mapstructure:"socket"`
}

type RateConfig struct {
	Window    time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	Threshold int           `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
}

type DedupConfig struct {
	TTL        time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	Sweep      time.Duration `json:"sweep" yaml:"sweep" mapstructure:"sweep"`
	MaxEntries int           `json:"max_entries" yaml:"max_entries" mapstructure:"max_entries"`
}

type RedisConfig struct {
	Enable  bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Host    string `json:"host" yaml:"host" mapstructure:"host"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
}

type SocketConfig struct {
	ReadMessageSizeLimit int64 `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool  `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int   `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int   `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int   `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	SendQueueSize        int   `json:"send_queue_size" yaml:"send_queue_size" mapstructure:"send_queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", ":8080")
	v.SetDefault("pprof_host", "localhost:6060")
	v.SetDefault("channels", []string{"realtime", "notifications", "dm"})
	v.SetDefault("presence_channel", "realtime")
	v.SetDefault("rate.window", time.Minute)
	v.SetDefault("rate.threshold", 100)
	v.SetDefault("dedup.ttl", time.Hour)
	v.SetDefault("dedup.sweep", time.Minute)
	v.SetDefault("dedup.max_entries", 100000)
	v.SetDefault("socket.read_message_size_limit", 64*1024)
	v.SetDefault("socket.read_buffer_size", 1024)
	v.SetDefault("socket.write_buffer_size", 1024)
	v.SetDefault("socket.send_queue_size", 32)
}
