package main

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]logrus.Level{
		"DEBUG": logrus.DebugLevel,
		"INFO":  logrus.InfoLevel,
		"WARN":  logrus.WarnLevel,
		"ERROR": logrus.ErrorLevel,
		"":      logrus.ErrorLevel,
		"bogus": logrus.ErrorLevel,
	}

	for input, want := range cases {
		if got := logLevelFromString(input); got != want {
			t.Errorf("logLevelFromString(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestRunFailsWithoutCertMaterial(t *testing.T) {
	dir := t.TempDir()

	code := run([]string{"--config", dir + "/missing-config.yaml"})
	if code != 1 {
		t.Errorf("run(...) = %d, want 1 (missing CA cert material)", code)
	}
}
