package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/rumeysa111/real-time-chat-room/internal/topology"
)

func renderUsers(w io.Writer, users []string) {
	sorted := append([]string(nil), users...)
	sort.Strings(sorted)

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Kullanıcı"})
	for _, u := range sorted {
		table.Append([]string{u})
	}
	table.Render()
	fmt.Fprintf(w, "%d kullanıcı bağlı\n", len(sorted))
}

func renderTopology(w io.Writer, data topology.Data) {
	names := make([]string, 0, len(data.Nodes))
	for name := range data.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	nodes := tablewriter.NewWriter(w)
	nodes.SetAutoFormatHeaders(false)
	nodes.SetHeader([]string{"Düğüm", "Adres", "Gecikme (ms)", "Son Görülme"})
	for _, name := range names {
		n := data.Nodes[name]
		lastSeen := time.Unix(int64(n.LastSeen), 0).Format("15:04:05")
		nodes.Append([]string{
			name,
			fmt.Sprintf("%s:%d", n.IP, n.Port),
			fmt.Sprintf("%.1f", n.Latency),
			lastSeen,
		})
	}
	nodes.Render()

	if len(data.Connections) == 0 {
		return
	}
	links := append([]topology.Link(nil), data.Connections...)
	sort.Slice(links, func(i, j int) bool {
		if links[i].From != links[j].From {
			return links[i].From < links[j].From
		}
		return links[i].To < links[j].To
	})

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Bağlantı", "Kalite"})
	for _, l := range links {
		table.Append([]string{
			fmt.Sprintf("%s ↔ %s", l.From, l.To),
			fmt.Sprintf("%.0f", l.Quality),
		})
	}
	table.Render()
}
