package instill

import (
	"fmt"
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type IntRange struct {
	Low  int
	High int
}

func (r IntRange) String() string {
	return fmt.Sprintf("IntRange{Low: %d, High: %d}", r.Low, r.High)
}

type Config struct {
	Id      string
	Address string
	Storage Storage

	// ElectionTimeoutMillis bounds the randomized election timeout that a
	// legitimate leader's snapshot chunks keep pushing back.
	ElectionTimeoutMillis IntRange

	// OnElectionTimeout is invoked when leader contact is lost. Election
	// itself is not this package's concern; the hook lets the embedding
	// consensus engine start one.
	OnElectionTimeout func()

	// OnFatal is invoked once when the node hits an unrecoverable storage
	// failure and must shut down. Defaults to exiting via the logger.
	OnFatal func(error)

	Logger *zap.Logger

	// Registerer receives the node's metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

func (c Config) Validate() error {
	if c.Id == "" {
		return fmt.Errorf("Id is required")
	}
	if c.Id == UnknownLeader {
		return fmt.Errorf("Id cannot be %q", UnknownLeader)
	}
	if c.Storage == nil {
		return fmt.Errorf("Storage is required")
	}
	timeouts := c.ElectionTimeoutMillisWithDefaults()
	if timeouts.Low <= 0 || timeouts.High <= 0 {
		return fmt.Errorf("ElectionTimeoutMillis.Low and High must be positive: %v", timeouts)
	}
	if timeouts.Low > timeouts.High {
		return fmt.Errorf("ElectionTimeoutMillis.Low must be <= High: %v", timeouts)
	}
	return nil
}

func (c Config) LoggerOrNoop() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) ElectionTimeoutMillisWithDefaults() IntRange {
	timeouts := c.ElectionTimeoutMillis
	if timeouts.Low == 0 && timeouts.High == 0 {
		timeouts = IntRange{Low: 150, High: 300}
	}
	return timeouts
}

func (c Config) String() string {
	return fmt.Sprintf("Config{Id: %s, Address: %s, Storage: %s, ElectionTimeoutMillis: %v}",
		c.Id, c.Address, reflect.TypeOf(c.Storage), c.ElectionTimeoutMillis)
}
