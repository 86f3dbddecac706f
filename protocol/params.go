package protocol

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// TestParameters is the complete parameter block main hands to a remote
// before asking it to spawn clients. It replaces the one-value-per-message
// exchange of older controllers.
type TestParameters struct {
	TestRunID            int64         `json:"test_run_id" validate:"gte=0"`
	Command              string        `json:"command" validate:"required"`
	FirstClientID        NodeID        `json:"first_client_id" validate:"gte=1"`
	Clients              int           `json:"clients" validate:"gte=1"`
	TransactionFile      string        `json:"transaction_file" validate:"required"`
	ConnectString        string        `json:"connect_string"`
	SchemaName           string        `json:"schema_name"`
	Subscribers          int64         `json:"subscribers" validate:"gte=0"`
	MinSubscriberID      int64         `json:"min_subscriber_id" validate:"gte=0"`
	MaxSubscriberID      int64         `json:"max_subscriber_id" validate:"gte=0"`
	Warmup               time.Duration `json:"warmup" validate:"gte=0"`
	Duration             time.Duration `json:"duration" validate:"gte=0"`
	ThroughputResolution int           `json:"throughput_resolution" validate:"gte=1"`
	Transactions         []string      `json:"transactions" validate:"min=1,dive,required"`
	Probabilities        []int         `json:"probabilities" validate:"dive,gte=0,lte=100"`
	StatisticsAddress    string        `json:"statistics_address" validate:"required"`
	Verbosity            int           `json:"verbosity" validate:"gte=0,lte=5"`
	ReportTPS            bool          `json:"report_tps"`
}

var validate = validator.New()

// Validate checks the parameter block before any client is spawned from it.
func (p *TestParameters) Validate() error {
	if err := validate.Struct(p); err != nil {
		return errors.Wrap(err, "invalid test parameters")
	}
	if p.MaxSubscriberID != 0 && p.MaxSubscriberID < p.MinSubscriberID {
		return errors.Errorf("invalid subscriber range [%d, %d]", p.MinSubscriberID, p.MaxSubscriberID)
	}
	return nil
}

// ClientIDs returns the ids of the clients described by p.
func (p *TestParameters) ClientIDs() []NodeID {
	ids := make([]NodeID, 0, p.Clients)
	for i := 0; i < p.Clients; i++ {
		ids = append(ids, p.FirstClientID+NodeID(i))
	}
	return ids
}
