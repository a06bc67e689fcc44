package main

import (
	"testing"

	"github.com/spf13/viper"
)

func execute(t *testing.T, args ...string) (options, error) {
	t.Helper()
	var got options
	cmd := newRootCmd(viper.New(), func(opts options) error {
		got = opts
		return nil
	})
	cmd.SetArgs(append([]string{}, args...))
	err := cmd.Execute()
	return got, err
}

func TestRootFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want options
	}{
		{"defaults", nil, nil, options{}},
		{"flags", []string{"--config", "/tmp/c.yaml", "--log-level", "debug"}, nil, options{ConfigPath: "/tmp/c.yaml", LogLevel: "debug"}},
		{"env", nil, map[string]string{"INDEXSYNC_CONFIG": "/etc/c.yaml", "INDEXSYNC_LOG_LEVEL": "warn"}, options{ConfigPath: "/etc/c.yaml", LogLevel: "warn"}},
		{"flag beats env", []string{"--log-level", "error"}, map[string]string{"INDEXSYNC_LOG_LEVEL": "warn"}, options{LogLevel: "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INDEXSYNC_CONFIG", "")
			t.Setenv("INDEXSYNC_LOG_LEVEL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := execute(t, tt.args...)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("options = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRootRejectsArguments(t *testing.T) {
	if _, err := execute(t, "extra"); err == nil {
		t.Fatal("expected an error for a positional argument")
	}
	if _, err := execute(t, "--bogus"); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}
