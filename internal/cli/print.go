package cli

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/tracekit/tracectl/internal/service"
	"github.com/tracekit/tracectl/internal/session"
)

// printServiceState renders a service-state query. Raw mode emits the
// service's own encoding untouched for tooling; the formatted mode is
// for humans only and its layout is not stable.
func printServiceState(g *Globals, ok bool, st *service.State, raw []byte, rawMode bool) int {
	if !ok {
		fmt.Fprintln(g.Stderr, "Error: service state query failed")
		return session.ExitFailure
	}

	if rawMode {
		g.Stdout.Write(raw)
		return session.ExitSuccess
	}

	fmt.Fprintln(g.Stdout, "Not meant for machine consumption. Use --query-raw for scripts.")
	fmt.Fprintln(g.Stdout)

	producers := tablewriter.NewWriter(g.Stdout)
	producers.Header("ID", "NAME", "UID", "SDK VERSION")
	for _, p := range st.Producers {
		producers.Append([]string{
			strconv.Itoa(p.ID),
			p.Name,
			strconv.Itoa(p.UID),
			p.SDKVersion,
		})
	}
	producers.Render()

	fmt.Fprintln(g.Stdout)

	sources := tablewriter.NewWriter(g.Stdout)
	sources.Header("PRODUCER", "NAME")
	for _, ds := range st.DataSources {
		sources.Append([]string{strconv.Itoa(ds.ProducerID), ds.Name})
	}
	sources.Render()

	fmt.Fprintln(g.Stdout)
	fmt.Fprintf(g.Stdout, "service version: %s\n", st.ServiceVersion)
	fmt.Fprintf(g.Stdout, "sessions: %d (started: %d)\n", st.NumSessions, st.NumSessionsStarted)
	return session.ExitSuccess
}
