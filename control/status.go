package control

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/protocol"
)

// RemoteStatus is the view of a remote exposed over HTTP.
type RemoteStatus struct {
	Name      string          `json:"name"`
	Address   string          `json:"address"`
	ID        protocol.NodeID `json:"id"`
	Connected bool            `json:"connected"`
	PingOK    bool            `json:"ping_ok"`
	ClientsUp bool            `json:"clients_up"`
}

// Status is a snapshot of what main is doing.
type Status struct {
	Session   int64          `json:"session"`
	Name      string         `json:"name"`
	Command   string         `json:"command"`
	TestRunID int64          `json:"test_run_id"`
	Phase     string         `json:"phase"`
	Remotes   []RemoteStatus `json:"remotes"`
	Results   []Result       `json:"results"`
}

// Status returns a copy of the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Remotes = append([]RemoteStatus(nil), c.status.Remotes...)
	s.Results = append([]Result(nil), c.status.Results...)
	return s
}

func (c *Controller) setSession(id int64, name string) {
	c.mu.Lock()
	c.status = Status{Session: id, Name: name}
	c.mu.Unlock()
	c.updateRemotes()
}

func (c *Controller) setCommand(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Command = cmd
	c.status.TestRunID = 0
	c.status.Phase = ""
}

func (c *Controller) setTestRun(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.TestRunID = id
}

func (c *Controller) setPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Phase = phase
}

func (c *Controller) addResult(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Results = append(c.status.Results, r)
}

// updateRemotes copies the remote table into the status. Only the goroutine
// driving the controller calls it.
func (c *Controller) updateRemotes() {
	remotes := make([]RemoteStatus, 0, len(c.remotes))
	for _, rs := range c.remotes {
		remotes = append(remotes, RemoteStatus{
			Name:      rs.Name,
			Address:   rs.Address,
			ID:        rs.ID,
			Connected: rs.peer != nil,
			PingOK:    rs.PingOK,
			ClientsUp: rs.ClientsUp,
		})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Remotes = remotes
}

// Handler serves the status of main:
//
//	GET /status           the whole status
//	GET /remotes          the remote table
//	GET /results          the results of the session so far
func (c *Controller) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.Status())
	}).Methods(http.MethodGet)
	r.HandleFunc("/remotes", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.Status().Remotes)
	}).Methods(http.MethodGet)
	r.HandleFunc("/results", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, c.Status().Results)
	}).Methods(http.MethodGet)
	return logging.MakeAccessLogHandler(r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.WithError(err).Warn("could not write status")
	}
}
