// Package overlay serves content from independently authored sources
// ("mods") to a running game by intercepting the engine's file access entry
// points, without touching the game's own archives.
//
// A [Runtime] owns everything an activation needs: the [resolve.Resolver]
// mapping virtual paths to loose files, the [emulate.Gatekeeper] serving
// synthetic streaming containers, and the [hook.Registry] holding the
// installed entry points. Nothing is global; tests build as many runtimes
// as they like against synthetic sources.
//
// # Lifecycle
//
// Register every source first, then activate against the host image:
//
//	rt, err := overlay.New(
//	    overlay.WithConfigFile("overlay.yaml"),
//	    overlay.WithBuilder(builder),
//	)
//	if err != nil {
//	    return err
//	}
//	for _, m := range mods {
//	    if _, err := rt.RegisterSource(m.ID, m.Dir); err != nil {
//	        return err
//	    }
//	}
//	err = rt.Activate(image, interposer)
//
// Activate picks the entry point patterns for the image from the signature
// table and installs one handler per pattern. An entry point that cannot be
// located disables only the feature depending on it. ActivateExecutable does
// the same for the executable on disk, mapping matches in its sections to
// the addresses they are loaded at.
//
// # Handlers
//
// Handlers never return errors or panics to the engine. Whenever they have
// nothing to add they call the displaced original with the original
// arguments, so a path this package knows nothing about behaves exactly as
// it would without it.
package overlay
