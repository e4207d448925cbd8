package main

import "time"

// Config is populated from the environment. DATABASE_URL and JWT_SECRET are
// mandatory; Redis and NATS are optional collaborators and their features
// degrade gracefully when unset.
type Config struct {
	WSAddr         string        `env:"WS_ADDR,default=:8080"`
	APIAddr        string        `env:"API_ADDR,default=:8081"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections int           `env:"MAX_CONNECTIONS,default=100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	AuthTimeout    time.Duration `env:"AUTH_TIMEOUT,default=5s"`

	DatabaseURL string `env:"DATABASE_URL,required=true"`
	JWTSecret   string `env:"JWT_SECRET,required=true"`

	RedisAddr     string `env:"REDIS_ADDR"`     // empty disables rate limiting
	RedisPassword string `env:"REDIS_PASSWORD"`
	NATSURL       string `env:"NATS_URL"`       // empty disables event publishing
}
