// Package version хранит сведения о сборке, подставляемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/cartengine/internal/version.version=v1.2.0
//
// Без ldflags commit и дата берутся из VCS-меток, которые go build пишет в бинарник.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const unknown = "unknown"

var (
	version = "dev"
	commit  = unknown
	date    = unknown
)

// Build описывает собранный бинарник.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

var current = sync.OnceValue(func() Build { return resolve(debug.ReadBuildInfo()) })

func resolve(info *debug.BuildInfo, ok bool) Build {
	b := Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if !ok || info == nil {
		return b
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && b.Commit == unknown:
			b.Commit = s.Value
		case s.Key == "vcs.time" && b.Date == unknown:
			b.Date = s.Value
		}
	}
	return b
}

// Current возвращает сведения о текущей сборке.
func Current() Build { return current() }

// GetVersion возвращает версию сборки; её же отдаёт /healthz.
func GetVersion() string { return Current().Version }

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", b.Version, b.Commit, b.Date, b.GoVersion)
}

// Fields: поля для стартового лога.
func (b Build) Fields() log.Fields {
	return log.Fields{"version": b.Version, "commit": b.Commit, "built": b.Date}
}

// Collector отдаёт cartengine_build_info со значением 1 и сведениями о сборке в метках.
func (b Build) Collector() prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cartengine_build_info",
		Help: "Build information of the running cart engine binary.",
		ConstLabels: prometheus.Labels{
			"version":    b.Version,
			"commit":     b.Commit,
			"go_version": b.GoVersion,
		},
	}, func() float64 { return 1 })
}
