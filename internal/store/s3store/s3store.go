// Package s3store persists sessions as objects in an S3-compatible bucket
// using the same layout as the file-tree backend, under a key prefix.
//
// Creates are conditional PUTs (If-None-Match: *), so the bucket itself
// arbitrates racing writers. Updates are unconditional; the last writer wins.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

// fetchConcurrency bounds parallel GETs when listing.
const fetchConcurrency = 8

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// Config locates the bucket and describes how to reach it.
type Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service endpoint, e.g. for MinIO.
	Endpoint  string
	PathStyle bool
}

// Store implements store.Repository on S3.
type Store struct {
	client API
	bucket string
	prefix string
	ext    string
	opts   store.Options
	blobs  store.Serializer
}

var _ store.Repository = (*Store)(nil)

// Open builds an S3 client from the default AWS credential chain and cfg.
func Open(ctx context.Context, cfg Config, opts ...store.Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, store.Validation(errors.New("S3 bucket is empty"))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("load AWS config: %w", err))
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return New(ctx, client, cfg.Bucket, cfg.Prefix, opts...)
}

// New returns a store over an existing client. The bucket must exist; the
// layout under prefix is created lazily by writes.
func New(ctx context.Context, client API, bucket, prefix string, opts ...store.Option) (*Store, error) {
	if bucket == "" {
		return nil, store.Validation(errors.New("S3 bucket is empty"))
	}
	o := store.BuildOptions(opts...)
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: normalizePrefix(prefix),
		ext:    "." + o.Codec.Name(),
		opts:   o,
		blobs:  o.Serializer(),
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	o.Logger.Debug("S3 session store ready", "bucket", bucket, "prefix", s.prefix, "codec", o.Codec.Name())
	return s, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session_" + sessionID + "/session" + s.ext
}

func (s *Store) agentsPrefix(sessionID string) string {
	return s.prefix + "session_" + sessionID + "/agents/"
}

func (s *Store) agentKey(sessionID, agentID string) string {
	return s.agentsPrefix(sessionID) + "agent_" + agentID + "/agent" + s.ext
}

func (s *Store) messagesPrefix(sessionID, agentID string) string {
	return s.agentsPrefix(sessionID) + "agent_" + agentID + "/messages/message_"
}

func (s *Store) messageKey(sessionID, agentID string, messageID int64) string {
	return s.messagesPrefix(sessionID, agentID) + strconv.FormatInt(messageID, 10) + s.ext
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return store.Unavailable(fmt.Errorf("head bucket %s: %w", s.bucket, err))
	}
	return nil
}

// Close is a no-op; the SDK client holds no per-store resources.
func (s *Store) Close() error { return nil }

// CreateSession stores the session object with a conditional PUT.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	session, err := store.PrepareSession(session, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	data, err := s.blobs.EncodeSession(session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.putIfAbsent(ctx, s.sessionKey(session.SessionID), data); err != nil {
		return nil, fmt.Errorf("create session %s: %w", session.SessionID, err)
	}
	return &session, nil
}

// ReadSession returns the session, or nil if it does not exist.
func (s *Store) ReadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	data, err := s.get(ctx, s.sessionKey(sessionID))
	if data == nil || err != nil {
		return nil, err
	}
	return s.blobs.DecodeSession(data)
}

// CreateAgent stores the agent object once the session object exists.
func (s *Store) CreateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	agent, err := store.PrepareAgent(sessionID, agent, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	data, err := s.blobs.EncodeAgent(agent)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := s.requireObject(ctx, s.sessionKey(sessionID), "session "+sessionID); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := s.putIfAbsent(ctx, s.agentKey(sessionID, agent.AgentID), data); err != nil {
		return fmt.Errorf("create agent %s/%s: %w", sessionID, agent.AgentID, err)
	}
	return nil
}

// ReadAgent returns the agent, or nil if it does not exist.
func (s *Store) ReadAgent(ctx context.Context, sessionID, agentID string) (*domain.AgentState, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}
	data, err := s.get(ctx, s.agentKey(sessionID, agentID))
	if data == nil || err != nil {
		return nil, err
	}
	return s.blobs.DecodeAgent(data)
}

// UpdateAgent replaces the agent's state documents, keeping created_at.
func (s *Store) UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	if err := store.CheckAgentKey(sessionID, agent.AgentID); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	current, err := s.ReadAgent(ctx, sessionID, agent.AgentID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if current == nil {
		return fmt.Errorf("update agent %s/%s: %w", sessionID, agent.AgentID, store.ErrNotFound)
	}

	agent.CreatedAt = current.CreatedAt
	agent.UpdatedAt = s.opts.Now()
	data, err := s.blobs.EncodeAgent(agent)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if err := s.put(ctx, s.agentKey(sessionID, agent.AgentID), data, false); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// ListAgents lists the agent prefixes of the session and fetches each agent object.
func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]*domain.AgentState, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	base := s.agentsPrefix(sessionID)
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(base + "agent_"),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, store.Unavailable(fmt.Errorf("list agents: %w", err))
		}
		for _, p := range page.CommonPrefixes {
			dir := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), base), "/")
			if id, ok := strings.CutPrefix(dir, "agent_"); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.agentKey(sessionID, id)
	}
	blobs, err := s.getAll(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	agents := make([]*domain.AgentState, 0, len(blobs))
	for _, data := range blobs {
		// A prefix without an agent object only holds orphaned messages.
		if data == nil {
			continue
		}
		agent, err := s.blobs.DecodeAgent(data)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// CreateMessage stores the message object once the agent object exists.
func (s *Store) CreateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	message, err := store.PrepareMessage(sessionID, agentID, message, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	data, err := s.blobs.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if err := s.requireObject(ctx, s.agentKey(sessionID, agentID), "agent "+sessionID+"/"+agentID); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if err := s.putIfAbsent(ctx, s.messageKey(sessionID, agentID, message.MessageID), data); err != nil {
		return fmt.Errorf("create message %d: %w", message.MessageID, err)
	}
	return nil
}

// ReadMessage returns the message, or nil if it does not exist.
func (s *Store) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error) {
	if err := store.CheckMessageKey(sessionID, agentID, messageID); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	data, err := s.get(ctx, s.messageKey(sessionID, agentID, messageID))
	if data == nil || err != nil {
		return nil, err
	}
	return s.blobs.DecodeMessage(data)
}

// UpdateMessage replaces the message content and redacted variant, keeping created_at.
func (s *Store) UpdateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	if err := store.CheckMessageKey(sessionID, agentID, message.MessageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	current, err := s.ReadMessage(ctx, sessionID, agentID, message.MessageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if current == nil {
		return fmt.Errorf("update message %s/%s/%d: %w", sessionID, agentID, message.MessageID, store.ErrNotFound)
	}

	message.CreatedAt = current.CreatedAt
	message.UpdatedAt = s.opts.Now()
	data, err := s.blobs.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if err := s.put(ctx, s.messageKey(sessionID, agentID, message.MessageID), data, false); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// ListMessages lists the agent's message keys, applies the page and fetches the window.
func (s *Store) ListMessages(ctx context.Context, sessionID, agentID string, page store.Page) ([]*domain.Message, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// Keys sort lexically, so the numeric order is rebuilt after listing.
	base := s.messagesPrefix(sessionID, agentID)
	var ids []int64
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(base),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, store.Unavailable(fmt.Errorf("list messages: %w", err))
		}
		for _, obj := range out.Contents {
			if id, ok := parseMessageKey(aws.ToString(obj.Key), base, s.ext); ok {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start, end := page.Window(len(ids))
	keys := make([]string, 0, end-start)
	for _, id := range ids[start:end] {
		keys = append(keys, s.messageKey(sessionID, agentID, id))
	}
	blobs, err := s.getAll(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]*domain.Message, 0, len(blobs))
	for _, data := range blobs {
		if data == nil {
			continue
		}
		message, err := s.blobs.DecodeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func parseMessageKey(key, base, ext string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, base)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ext)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func (s *Store) putIfAbsent(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, data, true)
}

func (s *Store) put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(s.contentType()),
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if ifAbsent && isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateKey, key)
		}
		return store.Unavailable(fmt.Errorf("put %s: %w", key, err))
	}
	return nil
}

// get returns nil data and no error when key does not exist.
func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, store.Unavailable(fmt.Errorf("get %s: %w", key, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("read %s: %w", key, err))
	}
	return data, nil
}

// getAll fetches keys concurrently; the result is index-aligned with keys.
func (s *Store) getAll(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			data, err := s.get(ctx, key)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) requireObject(ctx context.Context, key, what string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return store.Unavailable(fmt.Errorf("head %s: %w", key, err))
}

func (s *Store) contentType() string {
	if s.ext == ".yaml" {
		return "application/yaml"
	}
	return "application/json"
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isPreconditionFailed reports whether a conditional write lost to an
// existing object or a concurrent conditional write.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
