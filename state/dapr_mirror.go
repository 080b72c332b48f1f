package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const mirrorKeyPrefix = "harvest/ledger/"

// stateSaver is the subset of the Dapr client used by DaprMirror.
type stateSaver interface {
	SaveState(ctx context.Context, storeName, key string, data []byte, meta map[string]string, so ...daprc.StateOption) error
}

// DaprMirror copies ledger records into a Dapr state store so other
// services can observe harvest progress. The CSV ledger stays authoritative.
type DaprMirror struct {
	client    stateSaver
	closer    func()
	storeName string
	runID     string
	timeout   time.Duration
}

type mirroredRecord struct {
	RunID      string             `json:"run_id"`
	Key        model.LessonKey    `json:"key"`
	RecordedAt time.Time          `json:"recorded_at"`
	Status     model.LessonStatus `json:"status"`
	Complete   bool               `json:"complete"`
}

// NewDaprMirror connects to the local Dapr sidecar on grpcPort.
func NewDaprMirror(storeName string, grpcPort int, runID string) (*DaprMirror, error) {
	conn, err := grpc.Dial(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(grpcPort)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	client := daprc.NewClientWithConnection(conn)
	log.Info().Str("state_store", storeName).Int("grpc_port", grpcPort).Msg("Mirroring ledger records to Dapr")

	return &DaprMirror{
		client:    client,
		closer:    client.Close,
		storeName: storeName,
		runID:     runID,
		timeout:   10 * time.Second,
	}, nil
}

// MirrorRecord stores record as JSON under harvest/ledger/<course|module|lesson>.
func (m *DaprMirror) MirrorRecord(ctx context.Context, record model.LedgerRecord) error {
	data, err := json.Marshal(mirroredRecord{
		RunID:      m.runID,
		Key:        record.Key,
		RecordedAt: record.RecordedAt,
		Status:     record.Status,
		Complete:   record.Status.Complete(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", record.Key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := mirrorKeyPrefix + record.Key.String()
	if err := m.client.SaveState(ctx, m.storeName, key, data, nil); err != nil {
		return fmt.Errorf("failed to save record %s to Dapr: %w", record.Key, err)
	}
	return nil
}

// Close releases the sidecar connection.
func (m *DaprMirror) Close() {
	if m.closer != nil {
		m.closer()
	}
}
