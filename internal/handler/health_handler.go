package handler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

const (
	checkOK       = "ok"
	checkDown     = "down"
	checkDisabled = "disabled"
)

// ReadinessCheck is one dependency probed by /readyz. A nil Ping marks the
// dependency as disabled in this deployment.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func DatabaseCheck(sqlDB *sql.DB) ReadinessCheck {
	return ReadinessCheck{Name: "database", Ping: sqlDB.PingContext}
}

func RedisCheck(rdb *redis.Client) ReadinessCheck {
	check := ReadinessCheck{Name: "redis"}
	if rdb != nil {
		check.Ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return check
}

// QueueCheck probes the broker connection the api publishes jobs on.
func QueueCheck(ping func(ctx context.Context) error) ReadinessCheck {
	return ReadinessCheck{Name: "queue", Ping: ping}
}

// RegisterHealthRoutes mounts liveness and readiness probes.
func RegisterHealthRoutes(app fiber.Router, checks ...ReadinessCheck) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checks...))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler runs every check concurrently and answers 503 when any
// enabled dependency is down.
func ReadyzHandler(checks ...ReadinessCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		results := make(fiber.Map, len(checks))
		ready := true

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, check := range checks {
			check := check
			if check.Ping == nil {
				results[check.Name] = checkDisabled
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				status := checkOK
				if err := check.Ping(ctx); err != nil {
					status = checkDown
				}
				mu.Lock()
				defer mu.Unlock()
				results[check.Name] = status
				if status == checkDown {
					ready = false
				}
			}()
		}
		wg.Wait()

		if !ready {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"checks": results,
			})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ready",
			"checks": results,
		})
	}
}
