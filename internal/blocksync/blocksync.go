// Package blocksync implements the marker-delimited text block sync engine
// (spec §4.7): declared blocks are rendered into a single wrapper region of
// a remote text file, with hash/mtime conflict detection protecting
// hand-edited remote content from being silently clobbered.
package blocksync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/acolita/remote/internal/errs"
)

// Mode is the tagged-sum TextBlock mode from spec §3/§4.7.
type Mode string

const (
	ModeInit   Mode = "init"
	ModeUpdate Mode = "update"
	ModeCover  Mode = "cover"
)

// GroupMode controls what happens to existing blocks not named in the
// current declaration.
type GroupMode string

const (
	GroupIncremental GroupMode = "incremental"
	GroupOverwrite   GroupMode = "overwrite"
)

// TextBlock is one declared block, concatenated from one or more source
// files. Name is the resolved absolute path of SrcPaths[0].
type TextBlock struct {
	SrcPaths []string
	Mode     Mode
}

// Name resolves the block's identifier: the absolute path of its first
// source file.
func (b TextBlock) Name() (string, error) {
	if len(b.SrcPaths) == 0 {
		return "", fmt.Errorf("text block has no src paths")
	}
	return filepath.Abs(b.SrcPaths[0])
}

// BlockGroup is a remote file containing a single wrapper region built from
// one or more declared blocks.
type BlockGroup struct {
	DistRemotePath string
	Mode           GroupMode
	Blocks         []TextBlock
	// ForceInit makes mode=init blocks include even if the wrapper already
	// exists, per spec §4.7 step 4's "unless forceInit caller flag".
	ForceInit bool
}

const (
	wrapperStartMarker = "# >>> remote:global-start <<<"
	wrapperEndMarker   = "# <<< remote:global-end <<<"
)

var (
	openPattern  = regexp.MustCompile(`(?m)^# >>> remote-block:(.+?) src=(.+?) mtime=(\d+) hash=([0-9a-f]{16}) <<<$`)
	closePattern = regexp.MustCompile(`(?m)^# <<< remote-block:(.+?) <<<$`)
)

// parsedBlock is an existing block found in the remote file.
type parsedBlock struct {
	Name         string
	Src          string
	Mtime        int64
	RecordedHash string
	Body         string
}

// hasWrapper reports whether text contains a complete wrapper region.
func hasWrapper(text string) bool {
	return strings.Contains(text, wrapperStartMarker) && strings.Contains(text, wrapperEndMarker)
}

// parseBlocks scans text for every existing "# >>> remote-block:..." ...
// "# <<< remote-block:..." pair, matching opening and closing markers by
// name in document order (blocks never nest).
func parseBlocks(text string) []parsedBlock {
	opens := openPattern.FindAllStringSubmatchIndex(text, -1)
	closes := closePattern.FindAllStringSubmatchIndex(text, -1)

	var blocks []parsedBlock
	closeIdx := 0
	for _, o := range opens {
		name := strings.TrimSpace(text[o[2]:o[3]])
		src := strings.TrimSpace(text[o[4]:o[5]])
		mtimeStr := text[o[6]:o[7]]
		hash := text[o[8]:o[9]]
		bodyStart := o[1] + 1 // skip the newline ending the open marker line

		// Find the next close marker (in order) whose name matches.
		for closeIdx < len(closes) && strings.TrimSpace(text[closes[closeIdx][2]:closes[closeIdx][3]]) != name {
			closeIdx++
		}
		if closeIdx >= len(closes) {
			break
		}
		c := closes[closeIdx]
		bodyEnd := c[0]
		closeIdx++

		mtime, _ := strconv.ParseInt(mtimeStr, 10, 64)
		blocks = append(blocks, parsedBlock{
			Name:         name,
			Src:          src,
			Mtime:        mtime,
			RecordedHash: hash,
			Body:         text[bodyStart:bodyEnd],
		})
	}
	return blocks
}

// stripWrapper removes the wrapper region (if present) from text, returning
// the remainder.
func stripWrapper(text string) string {
	start := strings.Index(text, wrapperStartMarker)
	if start < 0 {
		return text
	}
	end := strings.Index(text, wrapperEndMarker)
	if end < 0 {
		return text
	}
	end += len(wrapperEndMarker)
	for end < len(text) && text[end] == '\n' {
		end++
	}
	return text[:start] + text[end:]
}

// normalizeBody ensures s ends with exactly one trailing newline.
func normalizeBody(s string) string {
	return strings.TrimRight(s, "\n") + "\n"
}

// hashBody computes the marker hash field for body: the first 16 hex chars
// of its SHA-256.
func hashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])[:16]
}

// ReadFileFunc and StatFunc abstract local filesystem access for a
// block's source files, so tests can stub them without touching disk.
type ReadFileFunc func(path string) ([]byte, error)
type StatFunc func(path string) (os.FileInfo, error)

// RemoteFS is the minimal remote file access Engine needs; *sftp.Client
// satisfies it directly.
type RemoteFS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	MkdirAll(path string) error
}

// Engine applies BlockGroups to a remote file over RemoteFS.
type Engine struct {
	remote   RemoteFS
	readFile ReadFileFunc
	stat     StatFunc
}

// New creates an Engine using remote for remote file access and the real
// local filesystem for reading block source files.
func New(remote RemoteFS) *Engine {
	return &Engine{remote: remote, readFile: os.ReadFile, stat: os.Stat}
}

// Conflict describes a refused block: the remote body was hand-edited
// since this tool last wrote it.
type Conflict struct {
	Name          string
	NewHash       string
	ActualHash    string
	RecordedMtime int64
}

// computed is the local-side computation for one declared block.
type computed struct {
	block TextBlock
	name  string
	body  string
	hash  string
	mtime int64
}

func (e *Engine) computeBlock(b TextBlock) (computed, error) {
	name, err := b.Name()
	if err != nil {
		return computed{}, err
	}

	var sb strings.Builder
	var latest int64
	for _, p := range b.SrcPaths {
		data, err := e.readFile(p)
		if err != nil {
			return computed{}, fmt.Errorf("read block src %s: %w", p, err)
		}
		sb.WriteString(normalizeBody(string(data)))

		info, err := e.stat(p)
		if err != nil {
			return computed{}, fmt.Errorf("stat block src %s: %w", p, err)
		}
		if mt := info.ModTime().Unix(); mt > latest {
			latest = mt
		}
	}

	body := sb.String()
	return computed{block: b, name: name, body: body, hash: hashBody(body), mtime: latest}, nil
}

func renderBlock(name, src string, mtime int64, hash, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# >>> remote-block:%s src=%s mtime=%d hash=%s <<<\n", name, src, mtime, hash)
	b.WriteString(body)
	fmt.Fprintf(&b, "# <<< remote-block:%s <<<\n", name)
	return b.String()
}

// Apply reads group.DistRemotePath, computes every declared block, applies
// the per-block mode decision (§4.7 step 4), and — unless a conflict is
// raised — rewrites the wrapper region and writes the file back. On
// conflict, the group is aborted atomically: the remote file is left
// untouched.
func (e *Engine) Apply(group BlockGroup) error {
	existingText, err := e.readRemote(group.DistRemotePath)
	if err != nil {
		return errs.BlockSync(err, "read remote %q", group.DistRemotePath)
	}

	wrapperExists := hasWrapper(existingText)
	existing := parseBlocks(existingText)
	existingByName := make(map[string]parsedBlock, len(existing))
	for _, p := range existing {
		existingByName[p.Name] = p
	}

	declaredNames := make(map[string]bool, len(group.Blocks))
	rendered := make(map[string]string, len(group.Blocks))
	order := make([]string, 0, len(group.Blocks))

	var conflicts []Conflict

	for _, b := range group.Blocks {
		c, err := e.computeBlock(b)
		if err != nil {
			return errs.BlockSync(err, "compute block for %q", group.DistRemotePath)
		}
		declaredNames[c.name] = true
		order = append(order, c.name)

		prior, present := existingByName[c.name]

		var include bool
		var keepExisting bool

		switch b.Mode {
		case ModeCover:
			include = true
		case ModeInit:
			if wrapperExists && !group.ForceInit {
				if present {
					keepExisting = true
				}
				// else: neither written nor carried; block simply absent.
			} else {
				include = true
			}
		case ModeUpdate:
			if !present {
				include = true
			} else {
				actualHash := hashBody(prior.Body)
				if actualHash != prior.RecordedHash {
					conflicts = append(conflicts, Conflict{
						Name:          c.name,
						NewHash:       c.hash,
						ActualHash:    actualHash,
						RecordedMtime: prior.Mtime,
					})
					continue
				}
				if c.mtime <= prior.Mtime {
					keepExisting = true
				} else {
					include = true
				}
			}
		default:
			return errs.BlockSync(nil, "unknown block mode %q", b.Mode)
		}

		switch {
		case include:
			rendered[c.name] = renderBlock(c.name, joinSrc(b.SrcPaths), c.mtime, c.hash, c.body)
		case keepExisting:
			rendered[c.name] = renderBlock(prior.Name, prior.Src, prior.Mtime, prior.RecordedHash, prior.Body)
		}
	}

	if len(conflicts) > 0 {
		names := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			names = append(names, fmt.Sprintf("%s (new=%s actual=%s)", c.Name, c.NewHash, c.ActualHash))
			slog.Warn("block sync conflict", slog.String("block", c.Name), slog.String("dist", group.DistRemotePath))
		}
		return errs.BlockSync(nil, "remote block(s) hand-edited since last sync: %s", strings.Join(names, "; "))
	}

	if group.Mode == GroupIncremental {
		for _, p := range existing {
			if declaredNames[p.Name] {
				continue
			}
			order = append(order, p.Name)
			rendered[p.Name] = renderBlock(p.Name, p.Src, p.Mtime, p.RecordedHash, p.Body)
		}
	}

	stripped := stripWrapper(existingText)

	var wrapper strings.Builder
	wrapper.WriteString(wrapperStartMarker)
	wrapper.WriteString("\n")
	for _, name := range order {
		if body, ok := rendered[name]; ok {
			wrapper.WriteString(body)
		}
	}
	wrapper.WriteString(wrapperEndMarker)
	wrapper.WriteString("\n")

	newText := stripped
	if strings.TrimSpace(newText) != "" && !strings.HasSuffix(newText, "\n") {
		newText += "\n"
	}
	newText += wrapper.String()

	if err := e.writeRemote(group.DistRemotePath, newText); err != nil {
		return errs.BlockSync(err, "write remote %q", group.DistRemotePath)
	}
	return nil
}

func joinSrc(paths []string) string {
	return strings.Join(paths, ",")
}

func (e *Engine) readRemote(path string) (string, error) {
	data, err := e.remote.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (e *Engine) writeRemote(path, text string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := e.remote.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir -p %s: %w", dir, err)
		}
	}
	return e.remote.WriteFile(path, []byte(text), 0o644)
}
