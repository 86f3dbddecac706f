package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/sink"
	"github.com/m-lab/tatp-orchestrator/sink/file"
	"github.com/m-lab/tatp-orchestrator/sink/kafka"
	"github.com/m-lab/tatp-orchestrator/sink/redis"
)

// Sinks is a result sink together with the allocator of the run ids that
// key its rows.
type Sinks struct {
	Sink sink.Sink
	IDs  sink.IDAllocator
}

// OpenSink interprets a sink descriptor:
//
//	memory                     rows kept in the process, for tests
//	file:///path?gzip=true     JSON lines below path
//	redis://host:port          Redis lists, ids from Redis counters
//	kafka://broker/topic       one Kafka message per row
//
// An empty descriptor means file storage below dataDir. Sinks without their
// own id counters take them from an id file below dataDir.
func OpenSink(desc, dataDir string) (Sinks, error) {
	if desc == "" {
		s := file.New(dataDir, false)
		return Sinks{Sink: s, IDs: s}, nil
	}
	if desc == "memory" {
		m := &sink.Memory{}
		return Sinks{Sink: m, IDs: m}, nil
	}
	u, err := url.Parse(desc)
	if err != nil {
		return Sinks{}, errors.Wrapf(err, "bad sink descriptor %q", desc)
	}
	switch u.Scheme {
	case "file":
		compress, _ := strconv.ParseBool(u.Query().Get("gzip"))
		dir := u.Path
		if dir == "" {
			dir = dataDir
		}
		s := file.New(dir, compress)
		return Sinks{Sink: s, IDs: s}, nil
	case "redis":
		if u.Host == "" {
			return Sinks{}, errors.Errorf("sink %q names no redis server", desc)
		}
		c := redis.NewClient(u.Host)
		return Sinks{Sink: c, IDs: c}, nil
	case "kafka":
		if u.Host == "" {
			return Sinks{}, errors.Errorf("sink %q names no broker", desc)
		}
		return Sinks{
			Sink: kafka.New(u.Host, strings.Trim(u.Path, "/")),
			IDs:  file.New(dataDir, false),
		}, nil
	}
	return Sinks{}, errors.Errorf("unknown sink scheme %q", u.Scheme)
}
