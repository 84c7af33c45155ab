// Package builtin holds the systems conduit serves in-process.
package builtin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/klubi/conduit/internal/provider"
)

// WorkspaceName is the builtin name of the workspace system.
const WorkspaceName = "workspace"

// maxReadBytes caps what read_file and resource reads return.
const maxReadBytes = 1 << 20

// WorkspaceOptions controls which files the workspace system exposes.
type WorkspaceOptions struct {
	Root     string
	Include  []string
	Exclude  []string
	MaxFiles int
}

// DefaultWorkspaceOptions exposes common text and source files under root.
func DefaultWorkspaceOptions(root string) WorkspaceOptions {
	return WorkspaceOptions{
		Root: root,
		Include: []string{
			"**/*.md", "**/*.txt", "**/*.go", "**/*.rs", "**/*.py",
			"**/*.ts", "**/*.js", "**/*.json", "**/*.yaml", "**/*.yml", "**/*.toml",
		},
		Exclude:  []string{".git/**", "node_modules/**", "vendor/**", "target/**", "**/.*/**"},
		MaxFiles: 200,
	}
}

// Builtins returns the builtin factories for a session rooted at root.
func Builtins(root string) provider.Builtins {
	return provider.Builtins{
		WorkspaceName: func() (*server.MCPServer, error) {
			return NewWorkspace(DefaultWorkspaceOptions(root))
		},
	}
}

// workspace serves the files of one directory tree.
type workspace struct {
	root string
	opts WorkspaceOptions
}

// NewWorkspace builds the workspace MCP server. Every matching file becomes a
// file:// resource; list_files and read_file reach the rest of the tree.
func NewWorkspace(opts WorkspaceOptions) (*server.MCPServer, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}
	for _, p := range append(append([]string(nil), opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid workspace pattern %q", p)
		}
	}

	w := &workspace{root: root, opts: opts}
	files, err := w.scan(opts.Include)
	if err != nil {
		return nil, err
	}

	s := server.NewMCPServer(WorkspaceName, "v1alpha1",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions(fmt.Sprintf(
			"The workspace system exposes the files under %s. Use list_files to find files and read_file to read one by its relative path.",
			root)),
	)

	for _, rel := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		resOpts := []mcp.ResourceOption{mcp.WithResourceDescription(rel)}
		if mt, err := mimetype.DetectFile(abs); err == nil {
			resOpts = append(resOpts, mcp.WithMIMEType(mt.String()))
		}
		s.AddResource(mcp.NewResource(fileURI(abs), rel, resOpts...), w.readResource)
	}

	s.AddTool(
		mcp.NewTool("list_files",
			mcp.WithDescription("List workspace files matching a glob pattern (default **)."),
			mcp.WithString("pattern", mcp.Description("doublestar glob relative to the workspace root")),
		),
		w.listFiles,
	)
	s.AddTool(
		mcp.NewTool("read_file",
			mcp.WithDescription("Read a workspace file by its path relative to the workspace root."),
			mcp.WithString("path", mcp.Required(), mcp.Description("path relative to the workspace root")),
		),
		w.readFile,
	)
	return s, nil
}

// scan walks the tree and returns slash-separated relative paths matching any
// of patterns, skipping excluded entries, capped at MaxFiles.
func (w *workspace) scan(patterns []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() && path != w.root {
				return fs.SkipDir
			}
			return nil
		}
		if path == w.root {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if w.excluded(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || w.excluded(rel) || !matchAny(patterns, rel) {
			return nil
		}
		files = append(files, rel)
		if w.opts.MaxFiles > 0 && len(files) >= w.opts.MaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning workspace %s: %w", w.root, err)
	}
	sort.Strings(files)
	return files, nil
}

func (w *workspace) excluded(rel string) bool {
	for _, p := range w.opts.Exclude {
		// "dir/**" also matches "dir", so whole subtrees are pruned.
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (w *workspace) readResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	path := strings.TrimPrefix(req.Params.URI, "file://")
	rel, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	data, mime, err := w.read(rel)
	if err != nil {
		return nil, err
	}
	if isText(mime) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: mime.String(), Text: string(data)},
		}, nil
	}
	return []mcp.ResourceContents{
		mcp.BlobResourceContents{URI: req.Params.URI, MIMEType: mime.String(), Blob: base64.StdEncoding.EncodeToString(data)},
	}, nil
}

func (w *workspace) listFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern := req.GetString("pattern", "**")
	if !doublestar.ValidatePattern(pattern) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pattern %q", pattern)), nil
	}
	files, err := w.scan([]string{pattern})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(files) == 0 {
		return mcp.NewToolResultText("no files match " + pattern), nil
	}
	return mcp.NewToolResultText(strings.Join(files, "\n")), nil
}

func (w *workspace) readFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return mcp.NewToolResultError("path is required"), nil
	}
	rel, err := w.resolve(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, mime, err := w.read(rel)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !isText(mime) {
		return mcp.NewToolResultError(fmt.Sprintf("%s is %s, not text", rel, mime.String())), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

var errOutsideRoot = errors.New("path escapes the workspace root")

// resolve turns an absolute or root-relative path into a clean relative path
// inside the root.
func (w *workspace) resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, filepath.FromSlash(path))
	}
	rel, err := filepath.Rel(w.root, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
	}
	return rel, nil
}

func (w *workspace) read(rel string) ([]byte, *mimetype.MIME, error) {
	abs := filepath.Join(w.root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", filepath.ToSlash(rel), err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%s is a directory", filepath.ToSlash(rel))
	}
	if info.Size() > maxReadBytes {
		return nil, nil, fmt.Errorf("%s is larger than %d bytes", filepath.ToSlash(rel), maxReadBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", filepath.ToSlash(rel), err)
	}
	return data, mimetype.Detect(data), nil
}

// isText walks the MIME hierarchy looking for text/plain.
func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func fileURI(abs string) string {
	return "file://" + filepath.ToSlash(abs)
}
