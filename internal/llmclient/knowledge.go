package llmclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	methodKnowledgeStore = "/swarmlog.llm.v1.KnowledgeService/Store"
	methodKnowledgeFind  = "/swarmlog.llm.v1.KnowledgeService/Find"
)

// Match is one knowledge-store hit (spec §1: "opaque knowledge store with
// store(text) and find(query) -> [(text, score)]").
type Match struct {
	Text  string
	Score float64
}

// KnowledgeStore is the semantic-memory interface; the vector-search
// implementation behind it is out of scope (spec §1 non-goal).
type KnowledgeStore interface {
	Store(ctx context.Context, text string) error
	Find(ctx context.Context, query string) ([]Match, error)
}

// GRPCKnowledgeStore reaches the knowledge store over gRPC, same
// structpb-carried-payload approach as Client (see client.go).
type GRPCKnowledgeStore struct {
	conn *grpc.ClientConn
}

func NewGRPCKnowledgeStore(addr string) (*GRPCKnowledgeStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge store client for %s: %w", addr, err)
	}
	return &GRPCKnowledgeStore{conn: conn}, nil
}

func (k *GRPCKnowledgeStore) Close() error { return k.conn.Close() }

func (k *GRPCKnowledgeStore) Store(ctx context.Context, text string) error {
	reqStruct, err := structpb.NewStruct(map[string]any{"text": text})
	if err != nil {
		return fmt.Errorf("encode knowledge store request: %w", err)
	}
	return k.conn.Invoke(ctx, methodKnowledgeStore, reqStruct, &structpb.Struct{})
}

func (k *GRPCKnowledgeStore) Find(ctx context.Context, query string) ([]Match, error) {
	reqStruct, err := structpb.NewStruct(map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("encode knowledge find request: %w", err)
	}

	respStruct := &structpb.Struct{}
	if err := k.conn.Invoke(ctx, methodKnowledgeFind, reqStruct, respStruct); err != nil {
		return nil, fmt.Errorf("knowledge find rpc: %w", err)
	}

	var matches []Match
	for _, v := range respStruct.GetFields()["matches"].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		matches = append(matches, Match{
			Text:  m["text"].GetStringValue(),
			Score: m["score"].GetNumberValue(),
		})
	}
	return matches, nil
}

// FakeKnowledgeStore is an in-memory KnowledgeStore for tests: Find does a
// naive substring-overlap score rather than a real embedding search.
type FakeKnowledgeStore struct {
	mu    sync.Mutex
	texts []string
}

func (f *FakeKnowledgeStore) Store(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *FakeKnowledgeStore) Find(_ context.Context, query string) ([]Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := strings.ToLower(query)
	qWords := strings.Fields(q)
	var matches []Match
	for _, text := range f.texts {
		lower := strings.ToLower(text)
		var hits int
		for _, w := range qWords {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		matches = append(matches, Match{Text: text, Score: float64(hits) / float64(len(qWords))})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}
