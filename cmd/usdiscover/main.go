package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rjboer/usemu/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Browse timeout")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" usemu discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Service : %s.%s\n", mdns.ServiceType, mdns.Domain)
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := mdns.Discover(context.Background(), *timeout)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}
	if len(hosts) == 0 {
		fmt.Printf("No emulators found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d emulator(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	printHosts(os.Stdout, hosts)
}

func printHosts(w io.Writer, hosts []mdns.Host) {
	fmt.Fprintln(w, "===============================================================")
	for i, h := range hosts {
		fmt.Fprintf(w, " Emulator #%d\n", i+1)
		fmt.Fprintln(w, "---------------------------------------------------------------")
		fmt.Fprintf(w, " Instance : %s\n", h.Instance)
		fmt.Fprintf(w, " Hostname : %s\n", h.Hostname)
		fmt.Fprintf(w, " Port     : %d\n", h.Port)

		attrs := h.Attributes()
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, " Attributes:")
		if len(keys) == 0 {
			fmt.Fprintln(w, "   <none>")
		}
		for _, k := range keys {
			fmt.Fprintf(w, "   - %-7s %s\n", k+":", attrs[k])
		}

		fmt.Fprintln(w, " Endpoints:")
		urls := h.URLs()
		if len(urls) == 0 {
			fmt.Fprintln(w, "   <none>")
		}
		for _, u := range urls {
			fmt.Fprintf(w, "   - %s/api/state\n", u)
		}
		fmt.Fprintln(w, "===============================================================")
	}
}
