package router

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Endpoint is the network address of the process owning one island.
type Endpoint struct {
	Host string `mapstructure:"host" json:"host" validate:"required"`
	Port int    `mapstructure:"port" json:"port" validate:"required,min=1,max=65535"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Table maps island numbers to endpoints. It is immutable after NewTable and
// safe for unsynchronized concurrent reads.
type Table struct {
	endpoints map[int]Endpoint
}

// NewTable copies entries into an immutable table.
func NewTable(entries map[int]Endpoint) (Table, error) {
	t := Table{endpoints: make(map[int]Endpoint, len(entries))}
	for island, ep := range entries {
		if island <= 0 {
			return Table{}, fmt.Errorf("island numbers must be positive, got %d", island)
		}
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			return Table{}, fmt.Errorf("island %d has an invalid endpoint %q", island, ep.Addr())
		}
		t.endpoints[island] = ep
	}
	return t, nil
}

// DefaultTable maps islands 1-22 to 127.0.0.1:5201-5222.
func DefaultTable() Table {
	entries := make(map[int]Endpoint, 22)
	for island := 1; island <= 22; island++ {
		entries[island] = Endpoint{Host: "127.0.0.1", Port: 5200 + island}
	}
	t, _ := NewTable(entries)
	return t
}

// Lookup returns the endpoint for island.
func (t Table) Lookup(island int) (Endpoint, bool) {
	ep, ok := t.endpoints[island]
	return ep, ok
}

// Islands returns the registered island numbers in ascending order.
func (t Table) Islands() []int {
	out := make([]int, 0, len(t.endpoints))
	for island := range t.endpoints {
		out = append(out, island)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of registered islands.
func (t Table) Len() int { return len(t.endpoints) }
