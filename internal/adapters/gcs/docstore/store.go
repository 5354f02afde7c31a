package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
)

const stagingSegment = ".staging"

type Options struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Policy          docstore.Policy
}

// Store keeps documents as objects in a GCS bucket:
// <prefix>/<memberId>/<side>.<ext>, staging under <prefix>/<memberId>/.staging/.
// Objects cannot be renamed, so publishing is copy-then-delete.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	policy docstore.Policy
	newID  func() string
}

func New(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		if _, err := os.Stat(opts.CredentialsFile); err != nil {
			return nil, fmt.Errorf("gcs credentials file %s: %w", opts.CredentialsFile, err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *storage.Client, opts Options) *Store {
	return &Store{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		prefix: strings.Trim(opts.Prefix, "/"),
		policy: opts.Policy,
		newID:  uuid.NewString,
	}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Stage(ctx context.Context, id domain.MemberID, side domain.DocumentSide, u domain.Upload) (docstore.Staged, error) {
	if err := domain.ValidateMemberID(id); err != nil {
		return docstore.Staged{}, err
	}
	if !side.Valid() {
		return docstore.Staged{}, fmt.Errorf("invalid document side %q", side)
	}
	ext, err := s.policy.Check(u)
	if err != nil {
		return docstore.Staged{}, err
	}
	if err := ctx.Err(); err != nil {
		return docstore.Staged{}, err
	}

	key := path.Join(string(id), stagingSegment, s.newID()+"-"+docstore.CanonicalName(side, ext))
	w := s.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = docstore.ContentType(ext)
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(u.Data); err != nil {
		_ = w.Close()
		return docstore.Staged{}, fmt.Errorf("stage %s document: %w", side, err)
	}
	if err := w.Close(); err != nil {
		return docstore.Staged{}, fmt.Errorf("stage %s document: %w", side, err)
	}
	return docstore.Staged{
		MemberID: id,
		Side:     side,
		Ext:      ext,
		Key:      key,
		Size:     int64(len(u.Data)),
	}, nil
}

func (s *Store) Publish(ctx context.Context, staged ...docstore.Staged) (docstore.Publication, error) {
	pub := docstore.Publication{Refs: make(map[domain.DocumentSide]string, len(staged))}
	if len(staged) == 0 {
		return pub, nil
	}
	pub.MemberID = staged[0].MemberID
	seen := make(map[domain.DocumentSide]bool, len(staged))
	for _, st := range staged {
		if st.MemberID != pub.MemberID {
			return docstore.Publication{}, errors.New("staged documents belong to different members")
		}
		if seen[st.Side] {
			return docstore.Publication{}, fmt.Errorf("side %s staged twice", st.Side)
		}
		seen[st.Side] = true
	}

	for _, st := range staged {
		if err := s.publishOne(ctx, &pub, st); err != nil {
			// Undo with a fresh context: the caller's may be the reason we failed.
			undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if uerr := s.undoPublish(undoCtx, pub); uerr != nil {
				err = errors.Join(err, fmt.Errorf("undo publish: %w", uerr))
			}
			cancel()
			return docstore.Publication{}, err
		}
	}
	return pub, nil
}

func (s *Store) publishOne(ctx context.Context, pub *docstore.Publication, st docstore.Staged) error {
	existing, err := s.list(ctx, path.Join(s.prefix, string(st.MemberID), string(st.Side)+"."))
	if err != nil {
		return err
	}
	for _, name := range existing {
		from := path.Join(string(st.MemberID), name)
		to := path.Join(string(st.MemberID), stagingSegment, "backup-"+s.newID()+"-"+name)
		if err := s.move(ctx, from, to); err != nil {
			return fmt.Errorf("move aside %s: %w", from, err)
		}
		pub.Backups = append(pub.Backups, docstore.Move{From: from, To: to})
	}

	ref := docstore.Ref(st.MemberID, st.Side, st.Ext)
	if err := s.move(ctx, st.Key, ref); err != nil {
		return fmt.Errorf("publish %s document: %w", st.Side, err)
	}
	pub.Published = append(pub.Published, docstore.Move{From: st.Key, To: ref})
	pub.Refs[st.Side] = ref
	return nil
}

func (s *Store) undoPublish(ctx context.Context, pub docstore.Publication) error {
	var errs []error
	for i := len(pub.Published) - 1; i >= 0; i-- {
		m := pub.Published[i]
		if err := s.move(ctx, m.To, m.From); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, err)
		}
	}
	for i := len(pub.Backups) - 1; i >= 0; i-- {
		m := pub.Backups[i]
		if err := s.move(ctx, m.To, m.From); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Commit(ctx context.Context, pub docstore.Publication) error {
	var errs []error
	for _, m := range pub.Backups {
		if err := s.deleteKey(ctx, m.To); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Rollback(ctx context.Context, pub docstore.Publication) error {
	var errs []error
	for i := len(pub.Published) - 1; i >= 0; i-- {
		if err := s.deleteKey(ctx, pub.Published[i].To); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(pub.Backups) - 1; i >= 0; i-- {
		m := pub.Backups[i]
		if err := s.move(ctx, m.To, m.From); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", m.From, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Discard(ctx context.Context, staged ...docstore.Staged) error {
	var errs []error
	for _, st := range staged {
		if st.Key == "" {
			continue
		}
		if err := s.deleteKey(ctx, st.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Save(ctx context.Context, id domain.MemberID, side domain.DocumentSide, u domain.Upload) (string, error) {
	st, err := s.Stage(ctx, id, side, u)
	if err != nil {
		return "", err
	}
	pub, err := s.Publish(ctx, st)
	if err != nil {
		_ = s.Discard(ctx, st)
		return "", err
	}
	if err := s.Commit(ctx, pub); err != nil {
		return "", err
	}
	return pub.Ref(side), nil
}

func (s *Store) Load(ctx context.Context, ref string) ([]byte, error) {
	if _, _, err := docstore.ParseRef(ref); err != nil {
		return nil, err
	}
	r, err := s.object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	if _, _, err := docstore.ParseRef(ref); err != nil {
		return err
	}
	return s.deleteKey(ctx, ref)
}

func (s *Store) SweepStaging(ctx context.Context, olderThan time.Time) (int, error) {
	q := &storage.Query{Prefix: s.prefixed("")}
	if err := q.SetAttrSelection([]string{"Name", "Updated"}); err != nil {
		return 0, err
	}
	it := s.bucket.Objects(ctx, q)
	removed := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return removed, nil
		}
		if err != nil {
			return removed, fmt.Errorf("list staging objects: %w", err)
		}
		if !strings.Contains(attrs.Name, "/"+stagingSegment+"/") || !attrs.Updated.Before(olderThan) {
			continue
		}
		if err := s.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return removed, fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
		removed++
	}
}

// list returns the base names of objects directly under prefix.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if attrs.Name == "" {
			continue
		}
		out = append(out, path.Base(attrs.Name))
	}
}

func (s *Store) move(ctx context.Context, from, to string) error {
	src := s.object(from)
	if _, err := s.object(to).CopierFrom(src).Run(ctx); err != nil {
		return err
	}
	if err := src.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefixed(key))
}

func (s *Store) prefixed(key string) string {
	if s.prefix == "" {
		return key
	}
	if key == "" {
		return s.prefix + "/"
	}
	return s.prefix + "/" + key
}
