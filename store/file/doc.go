// Package file provides a filesystem-backed checkpoint backend.
//
// Every checkpoint is one JSON document and every task's pending writes for a
// checkpoint share one document, so a thread's history can be inspected,
// copied or archived with ordinary tools.
//
// # Layout
//
//	<root>/<thread>/<namespace>/checkpoints/<checkpoint id>.json
//	<root>/<thread>/<namespace>/writes/<checkpoint id>/<task id>.json
//
// Each path element is the hex encoding of the id prefixed with "n", which
// keeps directory listings in the same byte order as the ids themselves.
//
// # Basic Usage
//
//	saver, err := file.NewFileSaver("./checkpoints")
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
//	cfg, err := saver.Put(ctx, checkpoint.WithThreadID("t1"), cp, md)
//
// # Filesystems
//
// The backend works on any afero.Fs. NewFileBackend uses the OS filesystem;
// NewFileBackendFs accepts another one, for example afero.NewMemMapFs() in tests.
//
// # Durability
//
// Documents are written to a temporary file, synced and renamed into place.
// Deleting a thread renames its directory aside before removing it. Sweep
// cleans up whatever an interrupted process left behind.
//
// A FileBackend serializes its own operations with a mutex. Several processes
// sharing one directory are not coordinated; use the sqlite or postgres
// backends for that.
package file
