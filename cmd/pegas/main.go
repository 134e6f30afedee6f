package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/pegas/pkg/errcode"
	"github.com/sanonone/pegas/pkg/pegas"
	"github.com/sanonone/pegas/pkg/regionfile"
)

const usage = `usage: pegas <command> [flags] <region-file>...

commands:
  create   create a region file
  info     print a region file header
  map      map a region file and reverse-translate an offset
  serve    keep region files mapped and expose Prometheus metrics`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "map":
		err = runMap(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("pegas %s: %v (%s)", os.Args[1], err, errcode.Of(err))
	}
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	size := fs.Uint64("size", 4096, "Size of the data area in bytes")
	name := fs.String("name", "", "Name stored in the header (default: file name)")
	fixedBase := fs.String("fixed-base", "0", "Fixed base address for direct fixed mapping (e.g. 0x600000000000)")
	direct := fs.Bool("direct-io", false, "Write the header with O_DIRECT")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("exactly one region file path is required")
	}
	base, err := strconv.ParseUint(*fixedBase, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid -fixed-base: %w", err)
	}

	rf, err := regionfile.Create(fs.Arg(0), regionfile.CreateOptions{
		Size:      *size,
		Name:      *name,
		FixedBase: uintptr(base),
		DirectIO:  *direct,
	})
	if err != nil {
		return err
	}
	defer rf.Close()

	fmt.Printf("%s id=%s size=%d\n", rf.Path(), rf.ID(), rf.Size())
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)

	for _, path := range fs.Args() {
		rf, err := regionfile.Open(path, regionfile.OpenOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		h := rf.Header()
		fmt.Printf("%s\n  id:         %s\n  name:       %s\n  version:    %s\n  size:       %d\n  fixed base: 0x%x\n  created:    %s\n",
			path, h.ID, h.Name, h.Version, h.Size, h.FixedBase, h.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		rf.Close()
	}
	return nil
}

func runMap(args []string) error {
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	mode := fs.String("mode", "relocatable", "Mapping mode: relocatable, fixed or segmented")
	configPath := fs.String("config", "", "Path to the address space YAML config")
	offset := fs.Uint64("offset", 0, "Region offset to translate and reverse-translate")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("exactly one region file path is required")
	}

	as, err := openAddressSpace(*configPath)
	if err != nil {
		return err
	}
	defer as.Close()

	rf, err := regionfile.Open(fs.Arg(0), regionfile.OpenOptions{ReadOnly: as.Options().ReadOnly})
	if err != nil {
		return err
	}
	defer rf.Close()

	var addr uintptr
	switch *mode {
	case "relocatable":
		addr, err = mapAndAddr[pegas.DirectRelocatable](as, rf, pegas.LinearAddr(*offset))
	case "fixed":
		addr, err = mapAndAddr[pegas.DirectFixed](as, rf, pegas.LinearAddr(*offset))
	case "segmented":
		addr, err = mapAndAddr[pegas.MultiSegment](as, rf, pegas.LinearAddr(*offset))
	default:
		return fmt.Errorf("unknown mapping mode %q", *mode)
	}
	if err != nil {
		return err
	}

	region, off, err := as.Rtrans(addr)
	if err != nil {
		return err
	}
	fmt.Printf("region %s mode=%s base=0x%x len=%d\n", region.ID(), region.Mode(), region.Base(), region.Len())
	fmt.Printf("offset %d -> 0x%x -> offset %d\n", *offset, addr, off)
	return as.Unmap(region)
}

func mapAndAddr[M pegas.Mode](as *pegas.AddressSpace, rf *regionfile.File, off pegas.LinearAddr) (uintptr, error) {
	r, err := pegas.Map[M](as, rf)
	if err != nil {
		return 0, err
	}
	if uint64(off) >= r.Len() {
		return 0, fmt.Errorf("offset %d outside region of %d bytes", off, r.Len())
	}
	return r.Addr(off), nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the address space YAML config")
	metricsAddr := fs.String("metrics-addr", ":9095", "Address for the Prometheus /metrics endpoint")
	fs.Parse(args)

	as, err := openAddressSpace(*configPath)
	if err != nil {
		return err
	}

	for _, path := range fs.Args() {
		rf, err := regionfile.Open(path, regionfile.OpenOptions{ReadOnly: as.Options().ReadOnly})
		if err != nil {
			as.Close()
			return err
		}
		defer rf.Close()
		r, err := pegas.Map[pegas.DirectRelocatable](as, rf)
		if err != nil {
			as.Close()
			return err
		}
		slog.Info("[PEGAS] Serving region", "path", path, "id", r.ID(), "base", fmt.Sprintf("0x%x", r.Base()), "len", r.Len())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownChan

	srv.Close()
	return as.Close()
}

func openAddressSpace(configPath string) (*pegas.AddressSpace, error) {
	opts, err := pegas.LoadOptions(configPath)
	if err != nil {
		return nil, err
	}
	as := pegas.NewAddressSpace(opts)
	if err := as.Init(); err != nil {
		return nil, err
	}
	return as, nil
}
