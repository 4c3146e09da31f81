package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// RADIUS accounting listener
	RadiusAcctPort int

	// Reconciliation
	ReconcileGraceMinutes   int // allocated-but-not-seen-live grace before auto-release
	ReconcileSweepMinutes   int // cadence of the full subnet reconciliation sweep
	ReservationSweepSeconds int // cadence of the reservation expiry sweep
	StaleSessionMinutes     int // no interim update for this long = stale session

	// Provisioning
	ProvisionStepRetries        int // attempts per step on unreachable/timeout
	ProvisionRetryBackoffSecond int // backoff base, multiplied by attempt number
	DeviceCommandTimeoutSeconds int

	// Backup offload
	FTPHost     string
	FTPPort     int
	FTPUser     string
	FTPPassword string
	FTPPath     string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32)
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Sessions will not persist across restarts.")
	}

	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Println("WARNING: DB_PASSWORD not set - this is insecure for production!")
		dbPassword = "changeme"
	}

	redisPassword := getEnv("REDIS_PASSWORD", "")
	if redisPassword == "" {
		log.Println("WARNING: REDIS_PASSWORD not set - Redis is not secured!")
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "netcore"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "netcore"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: redisPassword,

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168), // 7 days default

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		// RADIUS
		RadiusAcctPort: getEnvInt("RADIUS_ACCT_PORT", 1813),

		// Reconciliation
		ReconcileGraceMinutes:   getEnvInt("RECONCILE_GRACE_MINUTES", 30),
		ReconcileSweepMinutes:   getEnvInt("RECONCILE_SWEEP_MINUTES", 10),
		ReservationSweepSeconds: getEnvInt("RESERVATION_SWEEP_SECONDS", 60),
		StaleSessionMinutes:     getEnvInt("STALE_SESSION_MINUTES", 30),

		// Provisioning
		ProvisionStepRetries:        getEnvInt("PROVISION_STEP_RETRIES", 3),
		ProvisionRetryBackoffSecond: getEnvInt("PROVISION_RETRY_BACKOFF_SECONDS", 2),
		DeviceCommandTimeoutSeconds: getEnvInt("DEVICE_COMMAND_TIMEOUT_SECONDS", 10),

		// Backup offload (disabled when FTP_HOST is empty)
		FTPHost:     getEnv("FTP_HOST", ""),
		FTPPort:     getEnvInt("FTP_PORT", 21),
		FTPUser:     getEnv("FTP_USER", ""),
		FTPPassword: getEnv("FTP_PASSWORD", ""),
		FTPPath:     getEnv("FTP_PATH", "/backups"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
