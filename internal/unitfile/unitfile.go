// Package unitfile renders the systemd units driving the retriever. Rendering
// is a pure function of the desired state and the proxy settings captured at
// the start of the convergence run.
package unitfile

import (
	"bytes"
	"io"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/schaermu/ddebsyncd/internal/config"
)

// Unit names of the managed timer/service pair
const (
	TimerUnit   = "ddeb-retriever.timer"
	ServiceUnit = "ddeb-retriever.service"
)

const header = "# Managed by ddebsyncd.\n"

// Timer renders the periodic trigger firing on the given calendar expression
func Timer(schedule string) []byte {
	return render([]*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Trigger ddeb-retriever"),
		unit.NewUnitOption("Timer", "OnCalendar", schedule),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	})
}

// Service renders the retriever service invoked by the timer
func Service(userName string, execStart []string, proxy config.ProxyConfig) []byte {
	return render([]*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Trigger ddeb-retriever"),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "User", userName),
		unit.NewUnitOption("Service", "ExecStart", strings.Join(execStart, " ")),
		unit.NewUnitOption("Service", "Environment", "HTTP_PROXY="+proxy.HTTP),
		unit.NewUnitOption("Service", "Environment", "HTTPS_PROXY="+proxy.HTTPS),
		unit.NewUnitOption("Service", "Environment", "NO_PROXY="+proxy.NoProxy),
	})
}

func render(opts []*unit.UnitOption) []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	_, _ = io.Copy(&buf, unit.Serialize(opts))
	return buf.Bytes()
}
