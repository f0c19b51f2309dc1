package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vast-ai/goworker/internal/models"
)

// InstanceStatus tracks the latest telemetry report seen per instance.
type InstanceStatus struct {
	Report    models.AutoscalerReport
	FirstSeen time.Time
	LastSeen  time.Time
}

// Monitor subscribes to worker telemetry and renders a live load table.
type Monitor struct {
	nats      *nats.Conn
	mu        sync.RWMutex
	instances map[string]*InstanceStatus
}

func NewMonitor(natsURL string) (*Monitor, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Monitor{
		nats:      nc,
		instances: make(map[string]*InstanceStatus),
	}, nil
}

func (m *Monitor) Start(ctx context.Context, topic string) error {
	_, err := m.nats.Subscribe(topic+".*", func(msg *nats.Msg) {
		var report models.AutoscalerReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			log.Printf("Failed to parse telemetry from %s: %v", msg.Subject, err)
			return
		}

		now := time.Now()
		m.mu.Lock()
		status, exists := m.instances[report.ID]
		if !exists {
			status = &InstanceStatus{FirstSeen: now}
			m.instances[report.ID] = status
		}
		status.Report = report
		status.LastSeen = now
		m.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to telemetry: %w", err)
	}

	log.Printf("Monitor started, listening on %s.*", topic)
	go m.render(ctx)
	return nil
}

func (m *Monitor) render(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.printTable()
		}
	}
}

func (m *Monitor) printTable() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Printf("%-20s %-10s %-10s %-10s %-8s %-8s %-10s\n",
		"INSTANCE", "CUR_LOAD", "MAX_PERF", "CUR_PERF", "WORKING", "AGE", "ERROR")
	now := time.Now()
	for _, id := range ids {
		st := m.instances[id]
		age := now.Sub(st.LastSeen).Truncate(time.Second)
		errMsg := st.Report.ErrorMsg
		if len(errMsg) > 24 {
			errMsg = errMsg[:24]
		}
		fmt.Printf("%-20s %-10.1f %-10.1f %-10.1f %-8d %-8s %-10s\n",
			id, st.Report.CurLoad, st.Report.MaxPerf, st.Report.CurPerf,
			st.Report.NumRequestsWorking, age, errMsg)
	}
	m.mu.RUnlock()
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	topic := flag.String("topic", "worker.telemetry", "Telemetry topic prefix")
	flag.Parse()

	monitor, err := NewMonitor(*natsURL)
	if err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx, *topic); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
