package queue

import (
	"log"

	"devdrop/internal/utils"
)

const (
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisUser     = "REDIS_USERNAME"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvQueueDBPath   = "DEVDROP_QUEUE_DB"
)

// NewStore picks the offline queue backend from the environment: redis when
// REDIS_HOST is set, otherwise sqlite at DEVDROP_QUEUE_DB. Open failures fall
// back to the in-memory store so the relay stays up, at the cost of queue
// durability.
func NewStore() (Store, error) {
	redisHost := utils.GetEnv(EnvRedisHost, "")

	if redisHost != "" {
		redisPort := utils.GetEnv(EnvRedisPort, "6379")
		redisUser := utils.GetEnv(EnvRedisUser, "")
		redisPassword := utils.GetEnv(EnvRedisPassword, "")

		store, err := NewRedisStore(redisHost, redisPort, redisUser, redisPassword)
		if err == nil {
			log.Printf("💾 Using Redis offline queue: %s:%s", redisHost, redisPort)
			return store, nil
		}
		log.Printf("⚠️  Redis connection failed: %v", err)
		log.Println("💾 Falling back to SQLite offline queue")
	}

	dbPath := utils.GetEnv(EnvQueueDBPath, "devdrop.db")
	store, err := NewSQLiteStore(dbPath)
	if err == nil {
		log.Printf("💾 Using SQLite offline queue: %s", dbPath)
		return store, nil
	}

	log.Printf("⚠️  SQLite open failed: %v", err)
	log.Println("💾 Falling back to in-memory offline queue (not durable)")
	return NewMemoryStore(), nil
}
