package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/docstore"
)

const (
	stagingDirName = ".staging"
	backupPrefix   = "backup-"
	writeChunk     = 256 << 10

	dirPerm  fs.FileMode = 0o750
	filePerm fs.FileMode = 0o640
)

// Store is a filesystem implementation of docstore.Store.
//
// Layout: <baseDir>/<memberId>/front.<ext> and <baseDir>/<memberId>/back.<ext>.
// Temporary and backup files live in <baseDir>/<memberId>/.staging on the same
// filesystem so publishing is a rename.
type Store struct {
	baseDir string
	policy  docstore.Policy
	newID   func() string
}

func New(baseDir string, policy docstore.Policy) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("document base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve document base directory: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create document base directory %s: %w", abs, err)
	}
	return &Store{
		baseDir: abs,
		policy:  policy,
		newID:   uuid.NewString,
	}, nil
}

// BaseDir returns the absolute root of the store.
func (s *Store) BaseDir() string { return s.baseDir }

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

	stagingDir := filepath.Join(s.baseDir, string(id), stagingDirName)
	if err := os.MkdirAll(stagingDir, dirPerm); err != nil {
		return docstore.Staged{}, fmt.Errorf("create staging directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s", s.newID(), docstore.CanonicalName(side, ext))
	key := path.Join(string(id), stagingDirName, name)
	if err := writeFileAtomically(ctx, s.abs(key), u.Data); err != nil {
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
	if err := ctx.Err(); err != nil {
		return docstore.Publication{}, err
	}

	for _, st := range staged {
		if err := s.publishOne(&pub, st); err != nil {
			if uerr := s.undoPublish(pub); uerr != nil {
				err = errors.Join(err, fmt.Errorf("undo publish: %w", uerr))
			}
			return docstore.Publication{}, err
		}
	}
	return pub, nil
}

func (s *Store) publishOne(pub *docstore.Publication, st docstore.Staged) error {
	memberDir := filepath.Join(s.baseDir, string(st.MemberID))
	existing, err := canonicalFiles(memberDir, st.Side)
	if err != nil {
		return err
	}
	for _, name := range existing {
		from := path.Join(string(st.MemberID), name)
		to := path.Join(string(st.MemberID), stagingDirName, backupPrefix+s.newID()+"-"+name)
		if err := os.Rename(s.abs(from), s.abs(to)); err != nil {
			return fmt.Errorf("move aside %s: %w", from, err)
		}
		pub.Backups = append(pub.Backups, docstore.Move{From: from, To: to})
	}

	ref := docstore.Ref(st.MemberID, st.Side, st.Ext)
	if err := os.Rename(s.abs(st.Key), s.abs(ref)); err != nil {
		return fmt.Errorf("publish %s document: %w", st.Side, err)
	}
	pub.Published = append(pub.Published, docstore.Move{From: st.Key, To: ref})
	pub.Refs[st.Side] = ref
	return nil
}

// undoPublish moves published files back to staging and restores backups.
func (s *Store) undoPublish(pub docstore.Publication) error {
	var errs []error
	for i := len(pub.Published) - 1; i >= 0; i-- {
		m := pub.Published[i]
		if err := os.Rename(s.abs(m.To), s.abs(m.From)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for i := len(pub.Backups) - 1; i >= 0; i-- {
		m := pub.Backups[i]
		if err := os.Rename(s.abs(m.To), s.abs(m.From)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Commit(ctx context.Context, pub docstore.Publication) error {
	_ = ctx
	var errs []error
	for _, m := range pub.Backups {
		if err := removeIfExists(s.abs(m.To)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Rollback(ctx context.Context, pub docstore.Publication) error {
	_ = ctx
	var errs []error
	for i := len(pub.Published) - 1; i >= 0; i-- {
		if err := removeIfExists(s.abs(pub.Published[i].To)); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(pub.Backups) - 1; i >= 0; i-- {
		m := pub.Backups[i]
		if err := os.Rename(s.abs(m.To), s.abs(m.From)); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", m.From, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Discard(ctx context.Context, staged ...docstore.Staged) error {
	_ = ctx
	var errs []error
	for _, st := range staged {
		if st.Key == "" {
			continue
		}
		if err := removeIfExists(s.abs(st.Key)); err != nil {
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	_ = ctx
	p, err := s.resolveRef(ref)
	if err != nil {
		return err
	}
	return removeIfExists(p)
}

func (s *Store) SweepStaging(ctx context.Context, olderThan time.Time) (int, error) {
	members, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read document base directory: %w", err)
	}
	removed := 0
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !m.IsDir() {
			continue
		}
		stagingDir := filepath.Join(s.baseDir, m.Name(), stagingDirName)
		entries, err := os.ReadDir(stagingDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.IsDir() || !info.ModTime().Before(olderThan) {
				continue
			}
			if err := removeIfExists(filepath.Join(stagingDir, e.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) abs(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// resolveRef maps a published reference to a path inside baseDir.
func (s *Store) resolveRef(ref string) (string, error) {
	id, name, err := docstore.ParseRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, string(id), name), nil
}

// canonicalFiles lists published files of a side regardless of extension.
func canonicalFiles(memberDir string, side domain.DocumentSide) ([]string, error) {
	entries, err := os.ReadDir(memberDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := string(side) + "."
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// writeFileAtomically writes data to a fresh file at p. The file is either fully
// written and synced, or removed.
func writeFileAtomically(ctx context.Context, p string, data []byte) (err error) {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(p)
		}
	}()

	for off := 0; off < len(data); off += writeChunk {
		if err = ctx.Err(); err != nil {
			return err
		}
		end := off + writeChunk
		if end > len(data) {
			end = len(data)
		}
		if _, err = f.Write(data[off:end]); err != nil {
			return err
		}
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	return f.Close()
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
