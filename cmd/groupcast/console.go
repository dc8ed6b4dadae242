package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/groupcast/internal/addresses"
	"github.com/postalsys/groupcast/internal/client"
	"github.com/postalsys/groupcast/internal/protocol"
)

var errUsage = errors.New("usage")

const consoleHelp = `Commands:
  peers                   List known clients
  alias NAME              Change the announced alias
  solicit                 Ask every client to announce itself
  clean                   Evict stale clients
  find                    Solicit a server
  groups                  List joined and known groups
  refresh                 Fetch the group directory from the server
  create NAME             Create a group
  join GROUP              Join a group
  leave GROUP             Leave a group
  send GROUP TEXT...      Send a message to a joined group
  msg PEER TEXT...        Send a direct message to a client
  status                  Show the connection state
  help                    Show this help
  quit                    Exit`

// console is the interactive front end of the client command. Groups and
// peers may be named by any unique id prefix.
type console struct {
	agent *client.Agent

	mu  sync.Mutex
	out io.Writer
}

func newConsole(a *client.Agent, out io.Writer) *console {
	return &console{agent: a, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run executes commands from r until EOF or quit.
func (c *console) run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		quit, err := c.exec(scanner.Text())
		if err != nil {
			c.printf("error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// exec runs a single command line.
func (c *console) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printf("%s\n", consoleHelp)
	case "quit", "exit":
		return true, nil
	case "peers":
		c.peers()
	case "alias":
		if len(args) == 0 {
			return false, fmt.Errorf("%w: alias NAME", errUsage)
		}
		err = c.agent.SetAlias(strings.Join(args, " "))
	case "solicit":
		err = c.agent.UpdateClientCache()
	case "clean":
		c.printf("evicted %d stale clients\n", c.agent.CleanClientCache())
	case "find":
		err = c.agent.FindServer()
	case "groups":
		c.groups()
	case "refresh":
		err = c.agent.UpdateGroupCache()
	case "create":
		if len(args) == 0 {
			return false, fmt.Errorf("%w: create NAME", errUsage)
		}
		err = c.agent.CreateGroup(strings.Join(args, " "))
	case "join", "leave":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: %s GROUP", errUsage, cmd)
		}
		var id string
		if id, err = c.resolveGroup(args[0]); err != nil {
			return false, err
		}
		if cmd == "join" {
			err = c.agent.JoinGroup(id)
		} else {
			err = c.agent.LeaveGroup(id)
		}
	case "send":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: send GROUP TEXT", errUsage)
		}
		var id string
		if id, err = c.resolveGroup(args[0]); err != nil {
			return false, err
		}
		err = c.agent.SendGroupMessage(id, strings.Join(args[1:], " "))
	case "msg":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: msg PEER TEXT", errUsage)
		}
		var to addresses.Channel
		if to, err = c.resolvePeer(args[0]); err != nil {
			return false, err
		}
		err = c.agent.SendMessage(to, strings.Join(args[1:], " "))
	case "status":
		st := c.agent.Stats()
		c.printf("state %s, %d clients, %d groups known, %d joined\n",
			c.agent.State(), st.ClientCount, st.GroupCount, st.JoinedGroups)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, err
}

func (c *console) peers() {
	entries := c.agent.ClientCache()
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ids) == 0 {
		fmt.Fprintln(c.out, "no known clients")
		return
	}

	now := time.Now()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tADDRESS\tSEEN\tEXPIRES\tSTATUS")
	for _, id := range ids {
		n := entries[id]
		status := "active"
		if n.IsStale(now) {
			status = "stale"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(id), n.Data.Alias, n.Data.Channel,
			humanize.Time(n.UpdateTime), humanize.Time(n.ExpiresAt()), status)
	}
	tw.Flush()
}

func (c *console) groups() {
	joined := c.agent.Groups()
	known := c.agent.GroupCache()
	for id, g := range joined {
		known[id] = g
	}

	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ids) == 0 {
		fmt.Fprintln(c.out, "no known groups")
		return
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCHANNEL\tMEMBER")
	for _, id := range ids {
		g := known[id]
		_, member := joined[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", shortID(id), g.Name, g.Channel.Channel, member)
	}
	tw.Flush()
}

// resolveGroup expands a unique id prefix of a known group.
func (c *console) resolveGroup(prefix string) (string, error) {
	known := c.agent.GroupCache()
	for id, g := range c.agent.Groups() {
		known[id] = g
	}
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	id, err := matchPrefix(ids, prefix)
	if errors.Is(err, errNoMatch) {
		// Unknown groups are passed through for the server to judge.
		return prefix, nil
	}
	return id, err
}

// resolvePeer expands a unique id prefix of a cached client.
func (c *console) resolvePeer(prefix string) (addresses.Channel, error) {
	entries := c.agent.ClientCache()
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	id, err := matchPrefix(ids, prefix)
	if err != nil {
		return addresses.Channel{}, fmt.Errorf("peer %q: %w", prefix, err)
	}
	return entries[id].Data.Channel, nil
}

var (
	errNoMatch   = errors.New("no match")
	errAmbiguous = errors.New("ambiguous prefix")
)

func matchPrefix(ids []string, prefix string) (string, error) {
	var found string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			if found != "" {
				return "", errAmbiguous
			}
			found = id
		}
	}
	if found == "" {
		return "", errNoMatch
	}
	return found, nil
}

// onEvent prints the events a user cares about.
func (c *console) onEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventGroupMessage:
		c.printf("[%s] %s: %s (%s)\n", shortID(ev.GroupID), senderName(ev.Sender), payloadText(ev.Payload),
			humanize.Bytes(uint64(len(ev.Payload))))
	case client.EventClientMessage:
		c.printf("[direct] %s: %s\n", senderName(ev.Sender), payloadText(ev.Payload))
	case client.EventGroupCreate:
		c.printf("created group %s (%s) on %s\n", ev.Group.Name, shortID(ev.Group.UUID), ev.Group.Channel.Channel)
	case client.EventGroupJoin:
		c.printf("joined group %s (%s)\n", ev.Group.Name, shortID(ev.Group.UUID))
	case client.EventGroupLeave:
		c.printf("left group %s (%s)\n", ev.Group.Name, shortID(ev.Group.UUID))
	case client.EventClientGroupJoin:
		c.printf("%s joined %s\n", senderName(ev.Sender), ev.Group.Name)
	case client.EventClientGroupLeave:
		c.printf("%s left %s\n", senderName(ev.Sender), ev.Group.Name)
	case client.EventGroupCreateError, client.EventGroupJoinError, client.EventGroupLeaveError:
		c.printf("error: %v\n", ev.Err)
	case client.EventServerConnect:
		c.printf("connected to server %s\n", ev.Address)
	case client.EventServerClose:
		c.printf("server %s disconnected\n", ev.Address)
	}
}

func senderName(p protocol.Profile) string {
	if p.Alias != "" {
		return p.Alias
	}
	return shortID(p.UUID)
}

// payloadText renders a JSON string payload without quotes, anything else
// as raw JSON.
func payloadText(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
