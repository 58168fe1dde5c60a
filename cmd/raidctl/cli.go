// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/internal/engine"
	"github.com/westerndigitalcorporation/softraid/internal/metadata/catalog"
	"github.com/westerndigitalcorporation/softraid/internal/statusz"
	"github.com/westerndigitalcorporation/softraid/internal/transform/raid1"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
	"github.com/westerndigitalcorporation/softraid/pkg/failures"
	"github.com/westerndigitalcorporation/softraid/pkg/retry"
)

// errInjected is what devices fail with when told to.
var errInjected = errors.New("injected failure")

var usage = `
	raidctl manages software RAID arrays in-process. Arrays are defined in a
	catalog database; their member devices (files or block device nodes) are
	then attached one by one and each array's volumes start once all members
	are present.

	Since the arrays only live as long as the process, raidctl is mostly used
	as a shell:

		raidctl [--catalog <path>] [(--setup <setup-commands>)...] shell

	For example, the command below attaches the two members of an array that
	was defined before, and serves the status pages while waiting for further
	commands:

		raidctl --setup "attach -f /dev/sdb" --setup "attach -f /dev/sdc" --setup serve shell
	`

// raidCli drives the engine on behalf of a user.
type raidCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App
	// The catalog, opened on first use.
	cat *catalog.Catalog
	// Node configuration, loaded before the first command.
	cfg *engine.Config
	// Where volumes are published.
	topo *blockio.Topology
	// Failure injection, also served by "serve".
	failures *failures.Registry

	lock sync.Mutex // protects the device fields below
	// Attached devices by name, and detached ones still to be closed.
	devs     map[string]*blockio.FaultDevice
	detached []*blockio.FaultDevice
	// Command output.
	out io.Writer
	// True if we are running a shell.
	inShell bool
}

// newRaidCli creates a new raidCli object.
func newRaidCli() *raidCli {
	b := &raidCli{
		topo:     blockio.Default,
		failures: failures.New(),
		devs:     make(map[string]*blockio.FaultDevice),
		out:      os.Stdout,
	}
	b.failures.Register("device_errors", b.deviceErrors)
	app := cli.NewApp()
	app.Name = "raidctl"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "catalog",
			Usage: "Path of the catalog database",
			Value: "raidctl.db",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "Node configuration file in json",
		},
		cli.DurationFlag{
			Name:  "start-timeout",
			Usage: "How long volumes wait for missing members before starting",
		},
		cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "How often node workers look for idle volumes",
		},
		cli.DurationFlag{
			Name:  "clean-delay",
			Usage: "How long after the last write a volume is marked clean",
		},
		cli.BoolFlag{
			Name:  "direct",
			Usage: "Open devices with O_DIRECT",
		},
		cli.StringSliceFlag{
			Name:  "setup",
			Usage: "Commands to run before doing anything else",
		},
		cli.IntFlag{
			Name:  "verbosity",
			Usage: "Log verbosity",
		},
	}

	nodeflag := cli.StringFlag{
		Name:  "node, n",
		Usage: "node name",
	}
	volumeflag := cli.StringFlag{
		Name:  "volume, v",
		Usage: "volume name",
	}
	fileflag := cli.StringFlag{
		Name:  "file, f",
		Usage: "device path",
	}

	app.Commands = []cli.Command{
		{
			Name:      "define",
			Usage:     "Define an array in the catalog",
			ArgsUsage: " ",
			Flags: []cli.Flag{
				nodeflag,
				cli.StringSliceFlag{
					Name:  "member, m",
					Usage: "member device path, in slot order",
				},
				cli.StringSliceFlag{
					Name:  "volume, v",
					Usage: "volume as name:level[:size]; only the last volume may omit the size",
				},
			},
			Action: b.cmdDefine,
		},
		{
			Name:   "list",
			Usage:  "List the arrays in the catalog",
			Action: b.cmdList,
		},
		{
			Name:  "remove",
			Usage: "Remove an array from the catalog",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "id",
					Usage: "array id",
				},
			},
			Action: b.cmdRemove,
		},
		{
			Name:  "create",
			Usage: "Create an empty node",
			Flags: []cli.Flag{
				nodeflag,
				cli.StringFlag{
					Name:  "format",
					Usage: "metadata format; empty for none",
					Value: catalog.Name,
				},
			},
			Action: b.cmdCreate,
		},
		{
			Name:    "attach",
			Aliases: []string{"taste"},
			Usage:   "Offer a device to the metadata formats",
			Flags: []cli.Flag{
				fileflag,
				cli.IntFlag{
					Name:  "size",
					Usage: "create or extend a regular file to this many bytes",
				},
			},
			Action: b.cmdAttach,
		},
		{
			Name:   "detach",
			Usage:  "Report a device as gone",
			Flags:  []cli.Flag{fileflag},
			Action: b.cmdDetach,
		},
		{
			Name:   "status",
			Usage:  "Dump the state of one or all nodes",
			Flags:  []cli.Flag{nodeflag},
			Action: b.cmdStatus,
		},
		{
			Name:  "write",
			Usage: "Write to a volume",
			Flags: []cli.Flag{
				volumeflag,
				cli.IntFlag{
					Name:  "offset, o",
					Usage: "byte offset",
				},
				cli.StringFlag{
					Name:  "data, d",
					Usage: "data to write",
				},
				cli.StringFlag{
					Name:  "input, i",
					Usage: "file to read the data from",
				},
			},
			Description: "The data is zero padded to the volume's sector size.",
			Action:      b.cmdWrite,
		},
		{
			Name:  "read",
			Usage: "Read from a volume",
			Flags: []cli.Flag{
				volumeflag,
				cli.IntFlag{
					Name:  "offset, o",
					Usage: "byte offset",
				},
				cli.IntFlag{
					Name:  "length, l",
					Usage: "bytes to read",
					Value: 512,
				},
				cli.StringFlag{
					Name:  "output",
					Usage: "file to write the data to",
				},
			},
			Action: b.cmdRead,
		},
		{
			Name:  "rmvol",
			Usage: "Destroy a volume of a node",
			Flags: []cli.Flag{
				nodeflag,
				volumeflag,
				cli.BoolFlag{
					Name:  "force",
					Usage: "destroy even if open",
				},
			},
			Action: b.cmdRmVolume,
		},
		{
			Name:  "destroy",
			Usage: "Destroy a node",
			Flags: []cli.Flag{
				nodeflag,
				cli.StringFlag{
					Name:  "mode",
					Usage: "soft, delayed or hard",
					Value: "soft",
				},
				cli.DurationFlag{
					Name:  "wait",
					Usage: "keep retrying this long while the node is busy",
				},
			},
			Action: b.cmdDestroy,
		},
		{
			Name:  "throttle",
			Usage: "Limit the rebuild rate of a mirror",
			Flags: []cli.Flag{
				nodeflag,
				volumeflag,
				cli.IntFlag{
					Name:  "rate",
					Usage: "bytes per second; 0 for unlimited",
				},
			},
			Action: b.cmdThrottle,
		},
		{
			Name:  "inject",
			Usage: "Set the failure configuration",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "set",
					Usage: "configuration in json; keys left out are reset",
					Value: "{}",
				},
			},
			Description: `Known keys:
	device_errors: {"<device>": "read"|"write"|"both", ...}`,
			Action: b.cmdInject,
		},
		{
			Name:  "serve",
			Usage: "Serve the status pages",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr",
					Usage: "listen address",
					Value: ":4080",
				},
			},
			Description: "In the shell the server runs in the background.",
			Action:      b.cmdServe,
		},
		{
			Name:   "shell",
			Usage:  "Start a command interpreter",
			Action: b.cmdShell,
		},
	}
	app.Before = b.beforeSubcommandRun

	b.app = app
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run runs the cli with the given arguments.
func (b *raidCli) run(args []string) error {
	return b.app.Run(args)
}

// stop tears down all nodes and releases the catalog and devices.
func (b *raidCli) stop() {
	for _, n := range engine.Nodes() {
		if err := n.Destroy(engine.DestroyHard); err != nil {
			log.Errorf("destroying %s: %s", n, err)
		}
	}
	if b.cat != nil {
		b.cat.Close()
		b.cat = nil
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	for name, dev := range b.devs {
		dev.Close()
		delete(b.devs, name)
	}
	for _, dev := range b.detached {
		dev.Close()
	}
	b.detached = nil
}

// This function will be called before any subcommand gets started so some setup
// can be done here.
func (b *raidCli) beforeSubcommandRun(c *cli.Context) error {
	if v := c.GlobalInt("verbosity"); v > 0 {
		flag.Set("v", strconv.Itoa(v))
	}
	if b.cfg == nil {
		cfg, err := loadConfig(c)
		if err != nil {
			log.Errorf("bad configuration: %s", err)
			return err
		}
		b.cfg = &cfg
	}

	// See if users have some setup commands to run before any subcommand starts.
	commands := c.GlobalStringSlice("setup")
	if len(commands) != 0 {
		log.Infof("Running setup commands...")
		for _, command := range commands {
			log.Infof("Running command %q", command)
			args, err := shlex.Split(command)
			if err != nil {
				return err
			}
			if err := b.runCommand(c, args...); err != nil {
				log.Errorf("error: %v", err)
				return err
			}
		}
		log.Infof("Setup is done!")
	}
	return nil
}

// runCommand runs one subcommand with the global flags of 'c'.
func (b *raidCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{b.app.Name, "--catalog", c.GlobalString("catalog")}
	if c.GlobalBool("direct") {
		cliArgs = append(cliArgs, "--direct")
	}
	return b.run(append(cliArgs, args...))
}

// getCatalog returns the catalog, opening it if needed.
func (b *raidCli) getCatalog(c *cli.Context) (*catalog.Catalog, error) {
	if b.cat != nil {
		return b.cat, nil
	}
	cat, err := catalog.Open(c.GlobalString("catalog"), 0)
	if err != nil {
		return nil, err
	}
	b.cat = cat
	return cat, nil
}

func (b *raidCli) options() *engine.Options {
	return &engine.Options{Config: b.cfg, Topology: b.topo}
}

// provider returns the provider of volume 'name'.
func (b *raidCli) provider(name string) (*blockio.Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("no volume given, use --volume")
	}
	p := b.topo.Provider(engine.ProviderPrefix + name)
	if p == nil {
		return nil, fmt.Errorf("volume %q is not up", name)
	}
	return p, nil
}

// parseVolume parses "name:level[:size]".
func parseVolume(s string) (catalog.VolumeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return catalog.VolumeSpec{}, fmt.Errorf("bad volume %q, want name:level[:size]", s)
	}
	vs := catalog.VolumeSpec{Name: parts[0], Level: parts[1]}
	if len(parts) == 3 {
		size, err := strconv.ParseInt(parts[2], 0, 64)
		if err != nil || size <= 0 {
			return vs, fmt.Errorf("bad volume size %q", parts[2])
		}
		vs.Size = size
	}
	return vs, nil
}

// parseMode parses a destroy mode.
func parseMode(s string) (engine.DestroyMode, error) {
	for _, m := range []engine.DestroyMode{engine.DestroySoft, engine.DestroyDelayed, engine.DestroyHard} {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("bad destroy mode %q", s)
}

// cmdDefine implements the "define" subcommand.
func (b *raidCli) cmdDefine(c *cli.Context) error {
	cat, err := b.getCatalog(c)
	if err != nil {
		return err
	}
	var volumes []catalog.VolumeSpec
	for _, s := range c.StringSlice("volume") {
		vs, err := parseVolume(s)
		if err != nil {
			return err
		}
		volumes = append(volumes, vs)
	}
	r, err := cat.Define(c.String("node"), c.StringSlice("member"), volumes)
	if err != nil {
		log.Errorf("Couldn't define array: %s", err)
		return err
	}
	fmt.Fprintf(b.out, "%s\n", r.ID)
	return nil
}

// cmdList implements the "list" subcommand.
func (b *raidCli) cmdList(c *cli.Context) error {
	cat, err := b.getCatalog(c)
	if err != nil {
		return err
	}
	recs, err := cat.Records()
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Node < recs[j].Node })
	for _, r := range recs {
		fmt.Fprintf(b.out, "%s %s gen=%d\n", r.ID, r.Node, r.Generation)
		for i, m := range r.Members {
			fmt.Fprintf(b.out, "  member %d: %s stale=%t\n", i, m.Device, m.Stale)
		}
		for _, vs := range r.Volumes {
			fmt.Fprintf(b.out, "  volume %s: %s size=%d dirty=%t\n", vs.Name, vs.Level, vs.Size, vs.Dirty)
		}
	}
	return nil
}

// cmdRemove implements the "remove" subcommand.
func (b *raidCli) cmdRemove(c *cli.Context) error {
	cat, err := b.getCatalog(c)
	if err != nil {
		return err
	}
	return cat.Remove(c.String("id"))
}

// cmdCreate implements the "create" subcommand.
func (b *raidCli) cmdCreate(c *cli.Context) error {
	format := c.String("format")
	if format == catalog.Name {
		if _, err := b.getCatalog(c); err != nil {
			return err
		}
	}
	n, err := engine.CreateNode(c.String("node"), format, b.options())
	if err != nil {
		log.Errorf("Couldn't create node: %s", err)
		return err
	}
	log.Infof("created %s", n)
	return nil
}

// cmdAttach implements the "attach" subcommand.
func (b *raidCli) cmdAttach(c *cli.Context) error {
	// Formats only taste while the catalog is registered.
	if _, err := b.getCatalog(c); err != nil {
		return err
	}
	path := c.String("file")
	if path == "" {
		return fmt.Errorf("no device given, use --file")
	}
	b.lock.Lock()
	attached := b.devs[path] != nil
	b.lock.Unlock()
	if attached {
		return fmt.Errorf("%s is already attached", path)
	}
	file, err := blockio.OpenFileDevice(path, int64(c.Int("size")), c.GlobalBool("direct"))
	if err != nil {
		log.Errorf("Couldn't open device: %s", err)
		return err
	}
	dev := blockio.NewFaultDevice(file)
	n, res, err := engine.Taste(dev, b.options())
	if err == nil && res == engine.TasteFail {
		err = fmt.Errorf("%s is not a member of any array", path)
	}
	if err != nil {
		dev.Close()
		return err
	}
	b.lock.Lock()
	b.devs[path] = dev
	b.lock.Unlock()
	log.Infof("%s attached to %s (%s)", path, n, res)
	return nil
}

// cmdDetach implements the "detach" subcommand.
func (b *raidCli) cmdDetach(c *cli.Context) error {
	path := c.String("file")
	b.lock.Lock()
	defer b.lock.Unlock()
	dev := b.devs[path]
	if dev == nil {
		return fmt.Errorf("%s is not attached", path)
	}
	if err := b.topo.Orphan(dev); err != nil {
		return err
	}
	// The node may still be finishing requests to it.
	delete(b.devs, path)
	b.detached = append(b.detached, dev)
	return nil
}

// deviceErrors is the failure handler for "device_errors". It maps device
// names to the requests that should fail.
func (b *raidCli) deviceErrors(value json.RawMessage) error {
	var failing map[string]string
	if value != nil {
		if err := json.Unmarshal(value, &failing); err != nil {
			return err
		}
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	for name, what := range failing {
		if b.devs[name] == nil {
			return fmt.Errorf("%s is not attached", name)
		}
		if what != "read" && what != "write" && what != "both" {
			return fmt.Errorf("bad failure %q for %s", what, name)
		}
	}
	for name, dev := range b.devs {
		var rerr, werr error
		switch failing[name] {
		case "read":
			rerr = errInjected
		case "write":
			werr = errInjected
		case "both":
			rerr, werr = errInjected, errInjected
		}
		dev.SetErrors(rerr, werr)
	}
	return nil
}

// cmdStatus implements the "status" subcommand.
func (b *raidCli) cmdStatus(c *cli.Context) error {
	nodes := engine.Nodes()
	if name := c.String("node"); name != "" {
		n := engine.LookupNode(name)
		if n == nil {
			return fmt.Errorf("no node %q", name)
		}
		nodes = []*engine.Node{n}
	}
	for _, n := range nodes {
		st, err := n.Status()
		if err != nil {
			log.V(1).Infof("skipping %s: %s", n, err)
			continue
		}
		io.WriteString(b.out, st.Dump())
	}
	return nil
}

// cmdWrite implements the "write" subcommand.
func (b *raidCli) cmdWrite(c *cli.Context) error {
	p, err := b.provider(c.String("volume"))
	if err != nil {
		return err
	}
	data := []byte(c.String("data"))
	if in := c.String("input"); in != "" {
		if data, err = ioutil.ReadFile(in); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("nothing to write, use --data or --input")
	}
	if rem := int64(len(data)) % p.SectorSize(); rem != 0 {
		data = append(data, make([]byte, p.SectorSize()-rem)...)
	}
	if err := p.Do(blockio.CmdWrite, int64(c.Int("offset")), data); err != nil {
		log.Errorf("Write error: %s", err)
		return err
	}
	log.Infof("wrote %d bytes", len(data))
	return nil
}

// cmdRead implements the "read" subcommand.
func (b *raidCli) cmdRead(c *cli.Context) error {
	p, err := b.provider(c.String("volume"))
	if err != nil {
		return err
	}
	length := c.Int("length")
	if length <= 0 {
		return fmt.Errorf("bad length %d", length)
	}
	data := make([]byte, length)
	if err := p.Do(blockio.CmdRead, int64(c.Int("offset")), data); err != nil {
		log.Errorf("Read error: %s", err)
		return err
	}
	if filename := c.String("output"); filename != "" {
		return ioutil.WriteFile(filename, data, 0644)
	}
	_, err = b.out.Write(data)
	return err
}

// cmdRmVolume implements the "rmvol" subcommand.
func (b *raidCli) cmdRmVolume(c *cli.Context) error {
	n := engine.LookupNode(c.String("node"))
	if n == nil {
		return fmt.Errorf("no node %q", c.String("node"))
	}
	return n.DestroyVolume(c.String("volume"), c.Bool("force"))
}

// cmdDestroy implements the "destroy" subcommand.
func (b *raidCli) cmdDestroy(c *cli.Context) error {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return err
	}
	n := engine.LookupNode(c.String("node"))
	if n == nil {
		return fmt.Errorf("no node %q", c.String("node"))
	}
	r := retry.Retrier{
		MinSleep:      10 * time.Millisecond,
		MaxSleep:      time.Second,
		MaxRetry:      c.Duration("wait"),
		MaxNumRetries: 1,
		Retriable:     core.ErrBusy.Is,
	}
	if r.MaxRetry > 0 {
		r.MaxNumRetries = 0
	}
	err = r.Do(context.Background(), func(attempt int) error {
		if attempt > 0 {
			log.Infof("%s is busy, retrying", n)
		}
		return n.Destroy(mode)
	})
	if err != nil {
		log.Errorf("Couldn't destroy %s: %s", n, err)
		return err
	}
	return nil
}

// cmdThrottle implements the "throttle" subcommand.
func (b *raidCli) cmdThrottle(c *cli.Context) error {
	n := engine.LookupNode(c.String("node"))
	if n == nil {
		return fmt.Errorf("no node %q", c.String("node"))
	}
	rate := int64(c.Int("rate"))
	if rate < 0 {
		return fmt.Errorf("bad rate %d", rate)
	}
	return n.Do(func() error {
		v := n.Volume(c.String("volume"))
		if v == nil {
			return core.ErrNoSuchEntity.Error()
		}
		m, ok := v.Transform().(*raid1.Mirror)
		if !ok {
			return core.ErrNotSupported.Error()
		}
		m.SetRebuildRate(rate)
		return nil
	})
}

// cmdInject implements the "inject" subcommand.
func (b *raidCli) cmdInject(c *cli.Context) error {
	if err := b.failures.ApplyJSON([]byte(c.String("set"))); err != nil {
		log.Errorf("Couldn't set failures: %s", err)
		return err
	}
	return nil
}

// cmdServe implements the "serve" subcommand.
func (b *raidCli) cmdServe(c *cli.Context) error {
	addr := c.String("addr")
	h := statusz.New(b.app.Name)
	h.Handle(failures.DefaultPath, b.failures)
	log.Infof("serving status on %s", addr)
	if b.inShell {
		go func() {
			if err := http.ListenAndServe(addr, h); err != nil {
				log.Errorf("status server: %s", err)
			}
		}()
		return nil
	}
	return http.ListenAndServe(addr, h)
}

// cmdShell implements the "shell" subcommand.
func (b *raidCli) cmdShell(c *cli.Context) error {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Complete command names.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt(fmt.Sprintf("(%s) ", b.app.Name))
		if err != nil {
			log.Errorf("error: %v", err)
			return nil
		}

		// Split the line using shell-style quoting rules.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return nil
		}

		if err := b.runCommand(c, args...); err != nil {
			log.Errorf("error: %v", err)
		} else {
			liner.AppendHistory(input)
		}
	}
}
