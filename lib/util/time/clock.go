package timeutil

import (
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/agentwire/agentwire/lib/util/logger"
)

var log = logger.GetAgentwireLogger()

// Clock supplies the current time. Message envelopes are stamped through a
// Clock so tests can substitute a fixed time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the local system time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// NTPClient wraps the NTP query so it can be stubbed in tests.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type DefaultNTPClient struct{}

func (DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

const (
	defaultNTPServer    = "0.pool.ntp.org"
	defaultSyncInterval = 3 * time.Hour
	defaultQueryTimeout = 10 * time.Second
)

// NTPClock is a Clock that corrects the system time with a clock offset
// measured against an NTP server. The offset is refreshed lazily once the
// sync interval has elapsed; if the query fails the last known offset (or
// zero) is used, so NTPClock degrades to SystemClock when offline.
type NTPClock struct {
	client       NTPClient
	server       string
	syncInterval time.Duration

	mu       sync.Mutex
	offset   time.Duration
	lastSync time.Time
}

// NewNTPClock creates an NTPClock against the default pool server.
func NewNTPClock() *NTPClock {
	return &NTPClock{
		client:       DefaultNTPClient{},
		server:       defaultNTPServer,
		syncInterval: defaultSyncInterval,
	}
}

// NewNTPClockWithClient creates an NTPClock with a custom query client and server.
func NewNTPClockWithClient(client NTPClient, server string) *NTPClock {
	return &NTPClock{
		client:       client,
		server:       server,
		syncInterval: defaultSyncInterval,
	}
}

func (c *NTPClock) Now() time.Time {
	return time.Now().Add(c.currentOffset())
}

func (c *NTPClock) currentOffset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastSync) < c.syncInterval {
		return c.offset
	}
	// Stamp before querying so a failing server is not hammered on every call.
	c.lastSync = time.Now()
	response, err := c.client.QueryWithOptions(c.server, ntp.QueryOptions{
		Timeout: defaultQueryTimeout,
	})
	if err != nil {
		log.WithError(err).WithField("server", c.server).Warn("NTP query failed, keeping previous clock offset")
		return c.offset
	}
	if err := response.Validate(); err != nil {
		log.WithError(err).WithField("server", c.server).Warn("NTP response failed validation, keeping previous clock offset")
		return c.offset
	}
	c.offset = response.ClockOffset
	log.WithFields(logger.Fields{
		"server": c.server,
		"offset": c.offset,
	}).Debug("NTP clock offset updated")
	return c.offset
}
