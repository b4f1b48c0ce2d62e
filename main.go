/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/launix-de/ionjit/cache"
	"github.com/launix-de/ionjit/inspect"
	"github.com/launix-de/ionjit/ion"
)

func main() {
	fmt.Print(`ionc Copyright (C) 2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// init random generator for UUIDs
	uuid.SetRand(rand.Reader)

	configFile := flag.String("config", "", "YAML settings file")
	outDir := flag.String("o", "", "Store artifacts in this folder (files backend)")
	useCache := flag.Bool("cache", false, "Store artifacts in the backend of the settings file")
	linkSpec := flag.String("link", "", "Link each function against code=,heap=,global=,exception=,builtin=,function=,vm=,trampoline= addresses")
	watchFiles := flag.Bool("watch", false, "Recompile graph files when they change")
	interactive := flag.Bool("i", false, "Open the inspector shell after compiling")
	inspectAddr := flag.String("inspect", "", "Serve the compile event stream on this address, e.g. :4322")
	trace := flag.Bool("trace", false, "Write a Chrome trace of all compiles")
	exportFile := flag.String("export", "", "Write all cached artifacts into this .tar.xz")
	importFile := flag.String("import", "", "Load artifacts from a .tar.xz into the cache")
	flag.Parse()

	if *configFile != "" {
		if err := cache.LoadSettings(*configFile); err != nil {
			fatal(err)
		}
	}
	if *trace {
		cache.Settings.Trace = true
	}
	if *outDir != "" {
		cache.Settings.Backend = cache.BackendConfig{Backend: "files", Path: *outDir}
		*useCache = true
	}
	if err := cache.InitSettings(); err != nil {
		fatal(err)
	}

	s := &session{opts: cache.CompileOptions(), out: os.Stdout}
	if *useCache || *exportFile != "" || *importFile != "" {
		engine, err := cache.Open(cache.Settings.Backend)
		if err != nil {
			fatal(err)
		}
		s.store = cache.NewStore(engine)
	}
	if *linkSpec != "" {
		bases, err := parseLinkBases(*linkSpec)
		if err != nil {
			fatal(err)
		}
		s.link = bases
	}
	if *inspectAddr != "" {
		s.hub = inspect.NewHub()
		server := inspect.Serve(*inspectAddr, s.hub)
		defer server.Close()
		fmt.Println("event stream on ws://" + *inspectAddr + "/events")
	}

	if *importFile != "" {
		if err := archive(*importFile, s.store, false); err != nil {
			fatal(err)
		}
	}

	failed := 0
	for _, file := range flag.Args() {
		n, err := s.compileFile(file)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			failed++
		}
		failed += n
	}

	if *exportFile != "" {
		if err := archive(*exportFile, s.store, true); err != nil {
			fatal(err)
		}
	}

	stop := make(chan struct{})
	if *watchFiles {
		for _, file := range flag.Args() {
			if err := s.watch(file, stop); err != nil {
				fatal(err)
			}
		}
	}

	// install exit handler
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)

	if *interactive {
		s.repl()
	} else if *watchFiles || *inspectAddr != "" {
		<-cancelChan
	}
	close(stop)
	exitroutine()
	if failed > 0 {
		os.Exit(1)
	}
}

func archive(file string, store *cache.Store, export bool) error {
	if export {
		f, err := os.Create(file)
		if err != nil {
			return err
		}
		n, err := cache.Export(f, store.Engine())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		fmt.Printf("exported %d artifacts to %s\n", n, file)
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := cache.Import(f, store.Engine())
	fmt.Printf("imported %d artifacts from %s\n", n, file)
	return err
}

func exitroutine() {
	ion.SetTrace(false, "")
	for _, c := range ion.PublishedAll() {
		c.Release()
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "ionc:", err)
	exitroutine()
	os.Exit(2)
}
