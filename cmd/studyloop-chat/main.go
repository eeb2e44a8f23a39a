package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/folkengine/goname"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/session"
	"github.com/studyloop/studyloop-chat/types"
)

// A very simple terminal client for the StudyLoop chat rooms, mostly useful
// for poking at a backend without the app.

var (
	configPath string
	nick       string
	domain     string
	area       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "studyloop-chat",
		Short:         "terminal client for StudyLoop chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")

	roomsCmd := &cobra.Command{
		Use:   "rooms",
		Short: "list the available rooms",
		RunE:  runRooms,
	}

	joinCmd := &cobra.Command{
		Use:   "join <room>",
		Short: "join a room, print its traffic and send stdin lines",
		Args:  cobra.ExactArgs(1),
		RunE:  runJoin,
	}
	joinCmd.Flags().StringVarP(&nick, "nick", "n", "", "display name (a guest name is generated when empty)")
	joinCmd.Flags().StringVar(&domain, "domain", "", "subject domain to join with")
	joinCmd.Flags().StringVar(&area, "area", "", "subject area to join with")

	rootCmd.AddCommand(roomsCmd, joinCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup() (*session.Coordinator, error) {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}
	return session.NewCoordinator(cfg)
}

func runRooms(cmd *cobra.Command, args []string) error {
	coordinator, err := setup()
	if err != nil {
		return err
	}
	defer coordinator.Close()

	dir, err := coordinator.Rooms(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s\t(general)\n", dir.General.Id)
	for _, room := range dir.Domains {
		fmt.Printf("%s\t%s/%s\n", room.Id, room.Domain, room.Area)
	}
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomID := args[0]
	coordinator, err := setup()
	if err != nil {
		return err
	}
	defer coordinator.Close()

	if nick == "" {
		nick = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}
	metadata := map[string]string{"nick": nick}
	if domain != "" {
		metadata["domain"] = domain
	}
	if area != "" {
		metadata["area"] = area
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, unsubscribe := coordinator.Subscribe(roomID)
	defer unsubscribe()

	if err := coordinator.Join(ctx, roomID, metadata); err != nil {
		return err
	}
	defer coordinator.Leave(roomID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		seen := make(map[string]struct{})
		for snap := range snapshots {
			if snap.Error != "" {
				fmt.Printf("! %s (%s)\n", snap.Error, snap.Status)
			}
			for i := range snap.Messages {
				msg := &snap.Messages[i]
				key := msg.IdentityKey()
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				prefix := msg.Username
				if msg.System {
					prefix = "*"
				}
				fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), prefix, msg.Content)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			err := coordinator.Send(roomID, types.Message{Username: nick, Content: line, Domain: domain, Area: area})
			if err != nil {
				fmt.Fprintln(os.Stderr, "could not send:", err)
			}
		}
	}
}
