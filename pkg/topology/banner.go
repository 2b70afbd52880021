package topology

import (
	"fmt"
	"io"
	"strings"

	"github.com/common-nighthawk/go-figure"
)

// BannerInfo is printed under the service name in the start-up banner.
type BannerInfo struct {
	ServiceName string
	Environment string
	Addr        string
	Reactors    int
	Workers     int // Worker processes, 0 when not supervised
	ReusePort   bool
	H2C         bool
	Routes      int
}

// PrintBanner writes the ASCII-art start-up banner to w.
func PrintBanner(w io.Writer, info BannerInfo) {
	name := info.ServiceName
	if name == "" {
		name = "SEngine"
	}

	var b strings.Builder
	b.WriteString("\n")
	for _, line := range figure.NewFigure(name, "", false).Slicify() {
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	addr := info.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "0.0.0.0" + addr
	}
	row := func(label string, value any) {
		fmt.Fprintf(&b, "  %-13s %v\n", label+":", value)
	}
	if info.Environment != "" {
		row("Environment", info.Environment)
	}
	row("Address", "http://"+addr)
	row("Reactors", info.Reactors)
	if info.Workers > 0 {
		row("Workers", info.Workers)
	}
	if info.ReusePort {
		row("Listener", "SO_REUSEPORT (kernel load balancing)")
	}
	if info.H2C {
		row("Protocols", "HTTP/1.1, h2c")
	}
	if info.Routes > 0 {
		row("Routes", info.Routes)
	}
	b.WriteString("\n")

	_, _ = io.WriteString(w, b.String())
}
