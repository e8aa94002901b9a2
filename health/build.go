package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

// Version is overridden at link time with -ldflags "-X .../health.Version=...".
var Version = "dev"

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	Modified  bool      `json:"modified"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   getEnvOrDefault("BUILD_VERSION", Version),
		GitCommit: getEnvOrDefault("BUILD_COMMIT", "unknown"),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if info.GitCommit == "unknown" {
					info.GitCommit = setting.Value
				}
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = t
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}

	if buildTimeStr := os.Getenv("BUILD_TIME"); buildTimeStr != "" {
		if buildTime, err := time.Parse(time.RFC3339, buildTimeStr); err == nil {
			info.BuildTime = buildTime
		}
	}

	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit[:min(len(b.GitCommit), 7)]
	if b.BuildTime.IsZero() {
		return fmt.Sprintf("%s-%s", b.Version, commit)
	}
	return fmt.Sprintf("%s-%s (%s)", b.Version, commit, b.BuildTime.Format("2006-01-02"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
