// Package console implements the line-oriented operator console.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"marketplace/pkg/types"

	"github.com/anmitsu/go-shlex"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.uber.org/zap"
)

const DefaultCurrency = "USD"

var (
	headerColor = lipgloss.Color("#8BE9FD")
	borderColor = lipgloss.Color("#44475A")
	mutedColor  = lipgloss.Color("#6272A4")
	errorColor  = lipgloss.Color("#FF5555")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(headerColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
)

// ErrQuit is returned by Run when the operator enters quit.
var ErrQuit = errors.New("console closed by operator")

// Operator is the set of coordinator actions the console drives.
type Operator interface {
	PublishTopic(topic types.Topic) types.Topic
	Offer(offer types.Offer, contributorID types.ParticipantID) (types.Offer, error)
	Stop(contributorID types.ParticipantID) error
	Contributors() []types.Participant
	Producers() []types.Participant
	Viewers() []types.Participant
	Topics() []types.Topic
	Offers() []types.Offer
}

type command struct {
	usage string
	help  string
	run   func(c *Console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"offer":    {"offer <contributorId> <buyer> <amount> [currency] [topic]", "send an offer to one contributor", (*Console).offer},
		"topic":    {"topic <title> [lat lng [radius]]", "publish a topic to every contributor", (*Console).topic},
		"stop":     {"stop <contributorId>", "tell a contributor to stop", (*Console).stop},
		"contribs": {"contribs", "list contributors", listParticipants((Operator).Contributors, "contributors")},
		"clients":  {"clients", "list producers", listParticipants((Operator).Producers, "producers")},
		"viewers":  {"viewers", "list viewers", listParticipants((Operator).Viewers, "viewers")},
		"topics":   {"topics", "list published topics", (*Console).topics},
		"offers":   {"offers", "list recorded offers", (*Console).offers},
		"help":     {"help", "show this help", (*Console).help},
		"quit":     {"quit", "close the console", func(*Console, []string) error { return ErrQuit }},
	}
}

type Console struct {
	op     Operator
	out    io.Writer
	logger *zap.Logger
	prompt string
}

func New(op Operator, out io.Writer, logger *zap.Logger) *Console {
	return &Console{
		op:     op,
		out:    out,
		logger: logger.With(zap.String("component", "console")),
		prompt: "> ",
	}
}

// Run reads commands from in until EOF, quit or ctx is cancelled. It returns
// ErrQuit after quit and nil on EOF or cancellation. Command errors are
// printed and do not stop the loop.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprint(c.out, c.prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("failed to read console input: %w", err)
					}
				default:
				}
				return nil
			}
			if err := c.Exec(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return ErrQuit
				}
				fmt.Fprintln(c.out, errorStyle.Render("error: "+err.Error()))
			}
			fmt.Fprint(c.out, c.prompt)
		}
	}
}

// Exec runs a single command line.
func (c *Console) Exec(line string) error {
	args, err := shlex.Split(line, true)
	if err != nil {
		return fmt.Errorf("failed to parse command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}

	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	c.logger.Debug("Console command", zap.Strings("args", args))
	return cmd.run(c, args[1:])
}

func (c *Console) offer(args []string) error {
	if len(args) < 3 || len(args) > 5 {
		return usageError("offer")
	}
	amount, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[2])
	}
	offer := types.Offer{Buyer: args[1], Amount: &amount, Currency: DefaultCurrency}
	if len(args) > 3 {
		offer.Currency = args[3]
	}
	if len(args) > 4 {
		offer.Topic = types.TopicTitle(args[4])
	}

	sent, err := c.op.Offer(offer, types.ParticipantID(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "offer %s sent to %s\n", sent.Key(), sent.Target)
	return nil
}

func (c *Console) topic(args []string) error {
	if len(args) != 1 && len(args) != 3 && len(args) != 4 {
		return usageError("topic")
	}
	topic := types.Topic{Title: types.TopicTitle(args[0])}
	if len(args) >= 3 {
		lat, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid latitude %q", args[1])
		}
		lng, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid longitude %q", args[2])
		}
		topic.Coord = &types.Coordinate{Lat: lat, Lng: lng}
	}
	if len(args) == 4 {
		radius, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("invalid radius %q", args[3])
		}
		topic.Radius = &radius
	}

	published := c.op.PublishTopic(topic)
	fmt.Fprintf(c.out, "topic %q published\n", published.Title)
	return nil
}

func (c *Console) stop(args []string) error {
	if len(args) != 1 {
		return usageError("stop")
	}
	if err := c.op.Stop(types.ParticipantID(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "stop sent to %s\n", args[0])
	return nil
}

func listParticipants(list func(Operator) []types.Participant, noun string) func(*Console, []string) error {
	return func(c *Console, _ []string) error {
		participants := list(c.op)
		if len(participants) == 0 {
			fmt.Fprintln(c.out, mutedStyle.Render("no "+noun))
			return nil
		}
		t := newTable("ID", "ENDPOINT", "FIRST SEEN", "LAST SEEN")
		for _, p := range participants {
			t.Row(string(p.ID), p.Endpoint.String(), formatTime(p.FirstSeen), formatTime(p.LastSeen))
		}
		fmt.Fprintln(c.out, t.Render())
		return nil
	}
}

func (c *Console) topics([]string) error {
	topics := c.op.Topics()
	if len(topics) == 0 {
		fmt.Fprintln(c.out, mutedStyle.Render("no topics"))
		return nil
	}
	t := newTable("TITLE", "COORD", "RADIUS")
	for _, tp := range topics {
		coord, radius := "-", "-"
		if tp.Coord != nil {
			coord = fmt.Sprintf("%g,%g", tp.Coord.Lat, tp.Coord.Lng)
		}
		if tp.Radius != nil {
			radius = strconv.FormatFloat(*tp.Radius, 'g', -1, 64)
		}
		t.Row(string(tp.Title), coord, radius)
	}
	fmt.Fprintln(c.out, t.Render())
	return nil
}

func (c *Console) offers([]string) error {
	offers := c.op.Offers()
	if len(offers) == 0 {
		fmt.Fprintln(c.out, mutedStyle.Render("no offers"))
		return nil
	}
	t := newTable("KEY", "TARGET", "AMOUNT", "CURRENCY")
	for _, o := range offers {
		amount := "-"
		if o.Amount != nil {
			amount = strconv.FormatFloat(*o.Amount, 'f', -1, 64)
		}
		t.Row(string(o.Key()), string(o.Target), amount, o.Currency)
	}
	fmt.Fprintln(c.out, t.Render())
	return nil
}

func (c *Console) help([]string) error {
	names := []string{"offer", "topic", "stop", "contribs", "clients", "viewers", "topics", "offers", "help", "quit"}
	t := newTable("COMMAND", "DESCRIPTION")
	for _, name := range names {
		t.Row(commands[name].usage, commands[name].help)
	}
	fmt.Fprintln(c.out, t.Render())
	return nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func usageError(name string) error {
	return fmt.Errorf("usage: %s", commands[name].usage)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04:05")
}
