package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktok/jacky-tracker/api"
	"github.com/jacktok/jacky-tracker/models"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("public-base-url", "http://localhost:8080", "")
	pflag.String("frontend-base-url", "http://localhost:3000", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 private key")
	pflag.Duration("auth-expire-duration", 24*time.Hour, "")
	pflag.String("auth-issuer", "jacky-tracker", "")
	pflag.String("auth-audience", "jacky-tracker", "")

	// provider config
	pflag.String("google-client-id", "", "")
	pflag.String("google-client-secret", "", "")
	pflag.String("line-client-id", "", "")
	pflag.String("line-client-secret", "", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "jacky-tracker:", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-user-created", "jacky-tracker-user-created-stream", "")

	// session config
	pflag.String("session-key-for-cookie", "jacky-tracker-session", "")
	pflag.Duration("session-cookie-max-age", 7*24*time.Hour, "")
	pflag.Bool("session-cookie-secure", false, "")

	// linking config
	pflag.Duration("linking-ttl", 10*time.Minute, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("TRACKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			PublicBaseURL:   viper.GetString("public-base-url"),
			FrontendBaseURL: viper.GetString("frontend-base-url"),
			Providers: map[models.ProviderKind]api.ProviderConfig{
				models.ProviderGoogle: {
					ClientID:     viper.GetString("google-client-id"),
					ClientSecret: viper.GetString("google-client-secret"),
				},
				models.ProviderLine: {
					ClientID:     viper.GetString("line-client-id"),
					ClientSecret: viper.GetString("line-client-secret"),
				},
			},
			Auth: api.AuthConfig{
				PrivateKey:     decodePrivateKey(viper.GetString("auth-private-key")),
				ExpireDuration: viper.GetDuration("auth-expire-duration"),
				Issuer:         viper.GetString("auth-issuer"),
				Audience:       viper.GetString("auth-audience"),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					UserCreated: viper.GetString("redis-stream-key-for-user-created"),
				},
			},
			Session: api.SessionConfig{
				KeyForCookie: viper.GetString("session-key-for-cookie"),
				CookieMaxAge: viper.GetDuration("session-cookie-max-age"),
				CookieSecure: viper.GetBool("session-cookie-secure"),
			},
			Linking: api.LinkingConfig{
				TTL: viper.GetDuration("linking-ttl"),
			},
		},
	}
}

// decodePrivateKey 解碼 base64 的 ed25519 私鑰
// 接受完整私鑰或 32 bytes 的 seed
func decodePrivateKey(encoded string) ed25519.PrivateKey {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw)
	default:
		return nil
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" && args.ServerConfig.Auth.PrivateKey != nil && args.ServerConfig.FrontendBaseURL != ""
}
