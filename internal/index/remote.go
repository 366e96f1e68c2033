package index

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const upsertBatchSize = 256

// RemoteConfig holds connection settings for a Qdrant backend.
type RemoteConfig struct {
	Host       string
	Port       int
	Collection string
	APIKey     string // Qdrant Cloud API key (enables TLS automatically)
	UseTLS     bool
	Dimension  int
}

func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Remote serves nearest-neighbor queries from a Qdrant collection.
// It mirrors the flat index for catalogs too large to scan exactly.
type Remote struct {
	conn          *grpc.ClientConn
	pointsClient  pb.PointsClient
	collectClient pb.CollectionsClient
	collection    string
	dim           int
	count         atomic.Int64
}

// NewRemote connects to Qdrant. Supports both local deployments
// (insecure) and Qdrant Cloud (TLS plus API key).
func NewRemote(cfg *RemoteConfig) (*Remote, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	useTLS := cfg.UseTLS || cfg.APIKey != ""
	if useTLS {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &Remote{
		conn:          conn,
		pointsClient:  pb.NewPointsClient(conn),
		collectClient: pb.NewCollectionsClient(conn),
		collection:    cfg.Collection,
		dim:           cfg.Dimension,
	}, nil
}

func (r *Remote) Close() error {
	return r.conn.Close()
}

func (r *Remote) Size() int {
	return int(r.count.Load())
}

func (r *Remote) Dimension() int {
	return r.dim
}

// EnsureCollection creates the collection if it doesn't exist.
func (r *Remote) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collection,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.dim) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", r.collection, size, r.dim)
			}
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.dim),
					Distance: pb.Distance_Dot,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}
	config := info.GetConfig()
	if config == nil {
		return 0, false
	}
	params := config.GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

// Sync replaces the collection contents with the vectors of a built
// flat index. Point ids are fresh UUIDs; the ordinal and SKU id travel
// in the payload so search results map back to index entries.
func (r *Remote) Sync(ctx context.Context, f *Flat, buildID string) error {
	if f.Dimension() != r.dim {
		return fmt.Errorf("%w: flat has %d, remote expects %d", ErrDimensionMismatch, f.Dimension(), r.dim)
	}

	// Drop and recreate so stale points from earlier builds disappear.
	_, _ = r.collectClient.Delete(ctx, &pb.DeleteCollection{CollectionName: r.collection})
	if err := r.EnsureCollection(ctx); err != nil {
		return err
	}

	n := f.Size()
	points := make([]*pb.PointStruct, 0, upsertBatchSize)
	flush := func() error {
		if len(points) == 0 {
			return nil
		}
		_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: r.collection,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
		points = points[:0]
		return nil
	}

	for i := 0; i < n; i++ {
		row := f.data[i*f.dim : (i+1)*f.dim]
		vec := make([]float32, f.dim)
		copy(vec, row)
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.New().String()},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vec},
				},
			},
			Payload: map[string]*pb.Value{
				"sku_id":   {Kind: &pb.Value_StringValue{StringValue: f.labels[i]}},
				"ordinal":  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(i)}},
				"build_id": {Kind: &pb.Value_StringValue{StringValue: buildID}},
			},
		})
		if len(points) == upsertBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	r.count.Store(int64(n))
	return nil
}

// Search performs an approximate nearest-neighbor query.
func (r *Remote) Search(ctx context.Context, query []float32, topN int) ([]Hit, error) {
	if r.Size() == 0 {
		return nil, ErrEmptyIndex
	}
	if len(query) != r.dim {
		return nil, fmt.Errorf("%w: got %d, remote expects %d", ErrDimensionMismatch, len(query), r.dim)
	}
	if topN <= 0 {
		topN = 1
	}

	resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collection,
		Vector:         query,
		Limit:          uint64(topN),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, scored := range resp.Result {
		h := Hit{Score: scored.Score, Ordinal: -1}
		if scored.Payload != nil {
			if v, ok := scored.Payload["sku_id"]; ok {
				h.SKUID = v.GetStringValue()
			}
			if v, ok := scored.Payload["ordinal"]; ok {
				h.Ordinal = int(v.GetIntegerValue())
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}
