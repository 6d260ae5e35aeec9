package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/wirebus/wirebus/internal/config"
	"github.com/wirebus/wirebus/internal/control"
	"github.com/wirebus/wirebus/internal/wire"
	"github.com/wirebus/wirebus/pkg/wirebus"
)

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", fmt.Sprintf("127.0.0.1:%d", config.DefaultControlPort), "control plane address")
	cookieFile := fs.String("cookie-file", cookiePath(), "control cookie file")
	asJSON := fs.Bool("json", false, "print raw JSON")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body, err := control.Status(ctx, *addr, loadCookie(*cookieFile), wire.DefaultHeaderSize)
	if err != nil {
		fatal("status: %v", err)
	}

	if *asJSON {
		os.Stdout.Write(append(body, '\n'))
		return
	}

	var st wirebus.Status
	if err := json.Unmarshal(body, &st); err != nil {
		fatal("status: unreadable reply: %v", err)
	}
	fmt.Printf("Clients: %d\n", st.Clients)
	if len(st.Groups) == 0 {
		fmt.Println("Groups:  none")
		return
	}
	names := make([]string, 0, len(st.Groups))
	for name := range st.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("Groups:")
	for _, name := range names {
		g := st.Groups[name]
		line := fmt.Sprintf("  %-20s members=%d queued=%d", name, g.Members, g.QueueLen)
		if g.HasBroadcast {
			line += " broadcast=yes"
		}
		fmt.Println(line)
	}
}
