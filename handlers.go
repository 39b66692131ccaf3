package overlay

import (
	"errors"
	"io"

	"github.com/meigma/overlay/emulate"
	"github.com/meigma/overlay/hook"
	"github.com/meigma/overlay/metrics"
)

// handler returns the replacement installed for kind.
func (r *Runtime) handler(kind hook.Kind) hook.Handler {
	switch kind {
	case hook.KindSigningKeys:
		return r.signingKeys
	case hook.KindPakFolders:
		return r.pakFolders
	case hook.KindPakOrder:
		return r.pakOrder
	case hook.KindPakOpen, hook.KindPakOpenAsync:
		return r.pakOpen
	case hook.KindFileExists:
		return r.fileExists
	case hook.KindFindFile:
		return r.findFile
	case hook.KindReadBlocks:
		return r.readBlocks
	case hook.KindOpenContainer:
		return r.openContainer
	default:
		return passthrough
	}
}

func passthrough(req *hook.Request, original hook.Func) hook.Response {
	return original(req)
}

// lookup returns the emulated file for path, if any.
func (r *Runtime) lookup(path string) (emulate.File, bool) {
	g := r.gate.Load()
	if g == nil {
		return nil, false
	}
	return g.Lookup(path)
}

// redirected calls original with path swapped for phys.
func redirected(req *hook.Request, phys string, original hook.Func) hook.Response {
	next := *req
	next.Path = phys
	return original(&next)
}

func (r *Runtime) accessLog(kind hook.Kind, path, served string) {
	if r.cfg.FileAccessLog {
		r.logger.Info("file accessed", "kind", kind, "path", path, "served", served)
	}
}

// signingKeys returns an empty key table so unsigned containers mount.
func (r *Runtime) signingKeys(req *hook.Request, _ hook.Func) hook.Response {
	r.metrics.IncCall(req.Kind.String(), metrics.OutcomeEmulated)
	return hook.Response{SigningKeys: r.keys}
}

func (r *Runtime) pakFolders(req *hook.Request, original hook.Func) hook.Response {
	// The engine mounts what it gets here, so containers are built first.
	if g := r.gate.Load(); g != nil {
		r.prepareAll(g)
	}
	resp := original(req)
	resp.Folders = r.folders.merge(resp.Folders)
	return resp
}

func (r *Runtime) pakOrder(req *hook.Request, original hook.Func) hook.Response {
	resp := original(req)
	resp.Order = r.resolver.Order(req.Path, resp.Order)
	return resp
}

func (r *Runtime) pakOpen(req *hook.Request, original hook.Func) hook.Response {
	if f, ok := r.lookup(req.Path); ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomeEmulated)
		r.accessLog(req.Kind, req.Path, f.SourceID())
		return hook.Response{Handle: f, Path: req.Path, Exists: true, Size: f.Size()}
	}
	if phys, ok := r.resolver.Resolve(req.Path); ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomeRedirected)
		r.accessLog(req.Kind, req.Path, phys)
		return redirected(req, phys, original)
	}
	r.metrics.IncCall(req.Kind.String(), metrics.OutcomePassthrough)
	r.accessLog(req.Kind, req.Path, req.Path)
	return original(req)
}

func (r *Runtime) fileExists(req *hook.Request, original hook.Func) hook.Response {
	if _, ok := r.lookup(req.Path); ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomeEmulated)
		return hook.Response{Exists: true, Path: req.Path}
	}
	if phys, ok := r.resolver.Resolve(req.Path); ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomeRedirected)
		return redirected(req, phys, original)
	}
	r.metrics.IncCall(req.Kind.String(), metrics.OutcomePassthrough)
	return original(req)
}

// findFile reports redirected files as absent from every archive, so the
// engine falls back to loading them loose.
func (r *Runtime) findFile(req *hook.Request, original hook.Func) hook.Response {
	if _, ok := r.resolver.Resolve(req.Path); ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomeRedirected)
		return hook.Response{Exists: false}
	}
	r.metrics.IncCall(req.Kind.String(), metrics.OutcomePassthrough)
	return original(req)
}

func (r *Runtime) readBlocks(req *hook.Request, original hook.Func) hook.Response {
	f, ok := r.lookup(req.Path)
	if !ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomePassthrough)
		return original(req)
	}
	r.metrics.IncCall(req.Kind.String(), metrics.OutcomeEmulated)
	n, err := f.ReadAt(req.Buffer, req.Offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		r.logger.Error("unable to read emulated file", "path", req.Path, "offset", req.Offset, "err", err)
	}
	return hook.Response{N: n, Err: err}
}

// openContainer lets the engine open the container, then reports the
// emulated size in place of the on-disk one.
func (r *Runtime) openContainer(req *hook.Request, original hook.Func) hook.Response {
	resp := original(req)
	if f, ok := r.lookup(req.Path); ok {
		r.metrics.IncCall(req.Kind.String(), metrics.OutcomeEmulated)
		resp.Exists = true
		resp.Size = f.Size()
		return resp
	}
	r.metrics.IncCall(req.Kind.String(), metrics.OutcomePassthrough)
	return resp
}
