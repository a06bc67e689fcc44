package daemon

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"os"
	"slices"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/daemon/index"
	"github.com/jamesainslie/indexsync/pkg/daemon/info"
	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// Service implements the IndexSync gRPC service on top of a Node.
type Service struct {
	indexsyncv1.UnimplementedIndexSyncServer

	node   *Node
	logger *logging.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewService creates the admin service for node.
func NewService(node *Node) *Service {
	return &Service{
		node:     node,
		logger:   logging.Get("daemon"),
		shutdown: make(chan struct{}),
	}
}

// ShutdownRequested is closed when a client asked the daemon to exit.
func (s *Service) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Status reports areas, index and snapshot state.
func (s *Service) Status(ctx context.Context, _ *indexsyncv1.Empty) (*indexsyncv1.StatusResponse, error) {
	n := s.node
	mgr := n.Manager()

	resp := &indexsyncv1.StatusResponse{
		PID:     os.Getpid(),
		Started: n.Started(),
		Running: mgr.Running(),
		Backend: n.cfg.Store.Backend,
		Snapshots: indexsyncv1.SnapshotState{
			Enabled: n.Snapshots().Enabled(),
			Paused:  n.Snapshots().Paused(),
		},
	}

	gens := mgr.Generations()
	for _, area := range mgr.Areas() {
		as := indexsyncv1.AreaStatus{Name: area, Generation: gens[area]}
		latest, err := n.Store().Latest(ctx, area)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "latest generation of %s: %v", area, err)
		}
		as.Latest = latest
		counts, err := n.Store().Count(ctx, area)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "document count of %s: %v", area, err)
		}
		as.Documents = counts.Documents
		as.Tombstones = counts.Tombstones
		if p, ok := n.Tracker().Area(area); ok {
			as.Percent = p.Percent
			as.Faults = p.Faults
		}
		resp.Areas = append(resp.Areas, as)
	}

	stats, err := n.Index().Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp.Index = indexsyncv1.IndexStats(stats)

	for _, src := range n.sources {
		resp.Sources = append(resp.Sources, src.Config().Area+"="+src.Config().Path)
	}
	return resp, nil
}

// Update runs one polling cycle now.
func (s *Service) Update(ctx context.Context, _ *indexsyncv1.Empty) (*indexsyncv1.UpdateResponse, error) {
	batches, err := s.node.Manager().UpdateIndex(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &indexsyncv1.UpdateResponse{}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, indexsyncv1.Summarize(b))
	}
	slices.SortFunc(resp.Batches, func(a, b indexsyncv1.BatchSummary) int {
		return cmp.Compare(a.Area, b.Area)
	})
	return resp, nil
}

// Reset rebuilds the index, or reindexes one area from a generation.
func (s *Service) Reset(ctx context.Context, req *indexsyncv1.ResetRequest) (*indexsyncv1.Empty, error) {
	mgr := s.node.Manager()
	if req.Area == "" {
		s.logger.Info("index reset requested")
		if err := mgr.ResetIndex(ctx); err != nil {
			return nil, toStatus(err)
		}
		return &indexsyncv1.Empty{}, nil
	}

	// Unknown areas are a logged no-op in the manager.
	s.logger.Info("area reset requested", "area", req.Area, "generation", req.Generation)
	if err := mgr.Generation(ctx, req.Area, req.Generation, s.node.Tracker()); err != nil {
		return nil, toStatus(err)
	}
	return &indexsyncv1.Empty{}, nil
}

// Seek moves an area's cursor without touching the index.
func (s *Service) Seek(_ context.Context, req *indexsyncv1.SeekRequest) (*indexsyncv1.SeekResponse, error) {
	return &indexsyncv1.SeekResponse{Moved: s.node.Manager().Seek(req.Area, req.Generation)}, nil
}

// Check reconciles one document between the store and the index.
func (s *Service) Check(ctx context.Context, req *indexsyncv1.CheckRequest) (*indexsyncv1.Empty, error) {
	if req.Area == "" || req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "area and id are required")
	}
	if err := s.node.Manager().CheckIndex(ctx, req.Area, req.ContentType, req.ID, nil); err != nil {
		return nil, toStatus(err)
	}
	return &indexsyncv1.Empty{}, nil
}

// Put stores a document and writes it through to the index.
func (s *Service) Put(ctx context.Context, req *indexsyncv1.PutRequest) (*indexsyncv1.DocumentResponse, error) {
	doc := req.Document
	if doc == nil || doc.Area == "" || doc.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "document with area and id is required")
	}

	stored, err := s.node.Store().Put(ctx, doc)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.node.Manager().QueueUpdate(ctx, stored); err != nil {
		return nil, toStatus(err)
	}
	return &indexsyncv1.DocumentResponse{Document: stored}, nil
}

// Delete deletes a document and writes the deletion through to the index.
func (s *Service) Delete(ctx context.Context, req *indexsyncv1.DeleteRequest) (*indexsyncv1.DocumentResponse, error) {
	if req.Area == "" || req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "area and id are required")
	}

	tomb, err := s.node.Store().Delete(ctx, req.Area, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.node.Manager().QueueDelete(ctx, tomb); err != nil {
		return nil, toStatus(err)
	}
	return &indexsyncv1.DocumentResponse{Document: tomb}, nil
}

// Search queries the index.
func (s *Service) Search(ctx context.Context, req *indexsyncv1.SearchRequest) (*indexsyncv1.SearchResponse, error) {
	hits, err := s.node.Searcher().Search(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &indexsyncv1.SearchResponse{Hits: make([]indexsyncv1.Hit, 0, len(hits))}
	for _, h := range hits {
		resp.Hits = append(resp.Hits, indexsyncv1.Hit(h))
	}
	return resp, nil
}

// TakeSnapshot writes a snapshot now.
func (s *Service) TakeSnapshot(ctx context.Context, _ *indexsyncv1.Empty) (*indexsyncv1.SnapshotResponse, error) {
	name, err := s.node.Snapshots().TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &indexsyncv1.SnapshotResponse{Name: name}, nil
}

// ListSnapshots lists stored snapshots.
func (s *Service) ListSnapshots(ctx context.Context, _ *indexsyncv1.Empty) (*indexsyncv1.SnapshotList, error) {
	manifests, err := s.node.Snapshots().List(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &indexsyncv1.SnapshotList{Snapshots: make([]indexsyncv1.Snapshot, 0, len(manifests))}
	for _, m := range manifests {
		resp.Snapshots = append(resp.Snapshots, indexsyncv1.Snapshot{
			Name:        m.Name,
			Strategy:    m.Strategy,
			Timestamp:   m.Timestamp,
			Files:       m.Summary.TotalFiles,
			Bytes:       m.Summary.TotalBytes,
			Generations: m.Generations,
		})
	}
	return resp, nil
}

// Progress reports initialization progress.
func (s *Service) Progress(_ context.Context, _ *indexsyncv1.Empty) (*indexsyncv1.ProgressResponse, error) {
	t := s.node.Tracker()
	resp := &indexsyncv1.ProgressResponse{Done: t.Done()}
	for _, p := range t.All() {
		resp.Areas = append(resp.Areas, indexsyncv1.AreaProgress(p))
	}
	return resp, nil
}

// Shutdown asks the daemon to exit.
func (s *Service) Shutdown(_ context.Context, _ *indexsyncv1.Empty) (*indexsyncv1.Empty, error) {
	s.logger.Info("shutdown requested")
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	return &indexsyncv1.Empty{}, nil
}

// Watch streams info events until the client goes away.
func (s *Service) Watch(req *indexsyncv1.WatchRequest, stream indexsyncv1.WatchServer) error {
	kinds := make([]info.Kind, 0, len(req.Kinds))
	for _, name := range req.Kinds {
		k, ok := info.ParseKind(name)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "unknown event kind %q", name)
		}
		kinds = append(kinds, k)
	}

	sub := s.node.Stream().Subscribe(kinds...)
	if sub == nil {
		return status.Error(codes.Unavailable, "daemon is shutting down")
	}
	defer s.node.Stream().Unsubscribe(sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		case msg, ok := <-sub.Events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(msg.Event)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(&indexsyncv1.Event{
				Time: msg.Time,
				Kind: msg.Event.Kind().String(),
				Data: data,
			}); err != nil {
				return err
			}
		}
	}
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, changelog.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, index.ErrEmptyQuery):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, index.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
