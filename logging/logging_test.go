package logging

import (
	"bytes"
	"log"
	"net/http"
	"testing"

	apexlog "github.com/apex/log"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/rtx"
)

type fakeHandler struct{}

func (s *fakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
}

func TestMakeAccessLogHandler(t *testing.T) {
	buff := &bytes.Buffer{}
	old := log.Writer()
	defer func() {
		log.SetOutput(old)
	}()
	log.SetOutput(buff)
	f := MakeAccessLogHandler(&fakeHandler{})
	log.SetOutput(old)
	srv := http.Server{
		Addr:    ":0",
		Handler: f,
	}
	rtx.Must(httpx.ListenAndServeAsync(&srv), "Could not start server")
	defer srv.Close()
	_, err := http.Get("http://" + srv.Addr + "/")
	rtx.Must(err, "Could not get")
	s, err := buff.ReadString('\n')
	if s == "" {
		t.Error("We should not have had an empty string")
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		verbosity int
		want      apexlog.Level
	}{
		{0, apexlog.FatalLevel},
		{1, apexlog.FatalLevel},
		{2, apexlog.ErrorLevel},
		{3, apexlog.WarnLevel},
		{4, apexlog.InfoLevel},
		{5, apexlog.DebugLevel},
		{9, apexlog.DebugLevel},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.verbosity); got != tt.want {
			t.Errorf("LevelFor(%d) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
	old := Logger.Level
	defer func() { Logger.Level = old }()
	SetVerbosity(3)
	if Logger.Level != apexlog.WarnLevel {
		t.Errorf("SetVerbosity(3) left level %v", Logger.Level)
	}
}

func TestClientLogPath(t *testing.T) {
	if got := ClientLogPath("/tmp/logs", 12); got != "/tmp/logs/client12.log" {
		t.Errorf("ClientLogPath() = %q", got)
	}
}
