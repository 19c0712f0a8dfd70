package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/frame/config"
)

type RealtimeConfig struct {
	config.ConfigurationDefault

	// Membership directory - resolves team membership for subscription authorization
	DirectoryServiceURI string `envDefault:"http://127.0.0.1:7020" env:"DIRECTORY_SERVICE_URI"`

	// Activity service - resolves authorized activity feed slices
	ActivityServiceURI string `envDefault:"http://127.0.0.1:7030" env:"ACTIVITY_SERVICE_URI"`

	// Shared secret for verifying connection credentials
	TokenSigningSecret string `envDefault:"" env:"TOKEN_SIGNING_SECRET"`

	// Connection management
	MaxConnectionsPerUser int `envDefault:"5"   env:"MAX_CONNECTIONS_PER_USER"`
	ConnectionTimeoutSec  int `envDefault:"300" env:"CONNECTION_TIMEOUT_SEC"`
	HeartbeatIntervalSec  int `envDefault:"30"  env:"HEARTBEAT_INTERVAL_SEC"`

	// Rate limiting for client-originated commands
	MaxCommandsPerSecond int `envDefault:"50" env:"MAX_COMMANDS_PER_SECOND"`

	// Activity feed limits. Requests default to 50 records when unspecified
	// and are capped at ActivityFeedMaxLimit.
	ActivityFeedMaxLimit int `envDefault:"200" env:"ACTIVITY_FEED_MAX_LIMIT"`

	// Queue carrying domain events published by the CRUD layer
	QueueDomainEventsName string `envDefault:"domain.events"       env:"QUEUE_DOMAIN_EVENTS_NAME"`
	QueueDomainEventsURI  string `envDefault:"mem://domain.events" env:"QUEUE_DOMAIN_EVENTS_URI"`
}

// Validate checks that the configuration is valid.
// Returns an error joining every validation failure.
func (c *RealtimeConfig) Validate() error {
	var errs []error

	if c.DirectoryServiceURI == "" {
		errs = append(errs, errors.New("DirectoryServiceURI cannot be empty"))
	}

	if c.ActivityServiceURI == "" {
		errs = append(errs, errors.New("ActivityServiceURI cannot be empty"))
	}

	if c.TokenSigningSecret == "" {
		errs = append(errs, errors.New("TokenSigningSecret cannot be empty"))
	}

	if c.MaxConnectionsPerUser < 1 {
		errs = append(errs, errors.New("MaxConnectionsPerUser must be >= 1"))
	}

	if c.ConnectionTimeoutSec <= 0 {
		errs = append(errs, errors.New("ConnectionTimeoutSec must be > 0"))
	}

	if c.HeartbeatIntervalSec <= 0 {
		errs = append(errs, errors.New("HeartbeatIntervalSec must be > 0"))
	}

	if c.ConnectionTimeoutSec <= c.HeartbeatIntervalSec {
		errs = append(errs, fmt.Errorf("ConnectionTimeoutSec (%d) must be > HeartbeatIntervalSec (%d)",
			c.ConnectionTimeoutSec, c.HeartbeatIntervalSec))
	}

	if c.MaxCommandsPerSecond <= 0 {
		errs = append(errs, errors.New("MaxCommandsPerSecond must be > 0"))
	}

	if c.ActivityFeedMaxLimit <= 0 {
		errs = append(errs, errors.New("ActivityFeedMaxLimit must be > 0"))
	}

	if err := validateQueueURI(c.QueueDomainEventsURI, "QueueDomainEventsURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
