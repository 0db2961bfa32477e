package statslog

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nojaja/cachingedgeproxy/internal/connstats"
)

func TestRunLogsAtLeastOnceThenStops(t *testing.T) {
	stats := connstats.New()
	stats.IncHTTPRequest()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(5) // logrus.DebugLevel; accept INFO and below

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		Run(stats, logger, 10*time.Millisecond, stop)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}

	if len(hook.Entries) == 0 {
		t.Fatal("expected at least one logged entry")
	}
	if hook.LastEntry().Data["http.requests"].(uint64) != 1 {
		t.Errorf("http.requests = %v, want 1", hook.LastEntry().Data["http.requests"])
	}
}
