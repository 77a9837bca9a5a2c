package audit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// entityTable is the subset of *aztables.Client the sink uses.
type entityTable interface {
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// TableSink stores audit records in Azure Table storage, partitioned by
// board. Row keys sort newest first.
type TableSink struct {
	table entityTable
}

type recordEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Message      string `json:"Message"`
	ActorID      string `json:"ActorId"`
	CreatedAt    string `json:"CreatedAt"`
}

// NewTableSink connects to the named table.
func NewTableSink(connStr, tableName string) (*TableSink, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &TableSink{table: svc.NewClient(tableName)}, nil
}


func rowKey(r Record) string {
	return fmt.Sprintf("%019d_%s", math.MaxInt64-r.CreatedAt.UnixNano(), r.ID)
}

// Append implements Sink.
func (s *TableSink) Append(ctx context.Context, r Record) error {
	ent := recordEntity{
		PartitionKey: r.OwnerID,
		RowKey:       rowKey(r),
		Message:      r.Message,
		ActorID:      r.ActorID,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.UpsertEntity(ctx, payload, nil)
	return err
}

// List implements Sink.
func (s *TableSink) List(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(ownerID))
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := s.table.NewListEntitiesPager(opts)
	var out []Record
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent recordEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, entityToRecord(ent))
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func entityToRecord(ent recordEntity) Record {
	r := Record{
		Message: ent.Message,
		OwnerID: ent.PartitionKey,
		ActorID: ent.ActorID,
	}
	if t, err := time.Parse(time.RFC3339Nano, ent.CreatedAt); err == nil {
		r.CreatedAt = t
	}
	if len(ent.RowKey) > 20 {
		r.ID = ent.RowKey[20:]
	}
	return r
}

func escapeODataString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
