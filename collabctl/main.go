package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/sanity-io/litter"

	"github.com/bringyour/collab/collab"
)

const DefaultRelayUrl = "ws://localhost:8080"

const CollabCtlVersion = "0.0.1"

func usage() string {
	return fmt.Sprintf(
		`Collab control.

The default urls are:
    relay_url: %s

A user is identified by the jwt, or by --user_id when there is no jwt.
When neither is given the jwt is prompted for.

Usage:
    collabctl join --workspace=<workspace_id>
        [--relay_url=<relay_url>] [--jwt=<jwt>] [--user_id=<user_id>] [--name=<name>]
        [--peers]
        [--message_count=<message_count>]
    collabctl send --workspace=<workspace_id>
        [--relay_url=<relay_url>] [--jwt=<jwt>] [--user_id=<user_id>]
        --object=<object_id> --type=<type> [--object_version=<object_version>]
        [<data>]
    collabctl history --workspace=<workspace_id>
        [--relay_url=<relay_url>] [--jwt=<jwt>] [--user_id=<user_id>]
        [--since=<since>]
    collabctl token --user_id=<user_id> [--workspace=<workspace_id>] [--name=<name>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --relay_url=<relay_url>
    --workspace=<workspace_id>
    --jwt=<jwt>                      Your relay JWT.
    --user_id=<user_id>
    --name=<name>                    Display name.
    --peers                          Open direct channels to the other members.
    --message_count=<message_count>  Print this many messages then exit.
    --object=<object_id>
    --type=<type>                    add, update, delete, or transform.
    --object_version=<object_version>  Object version [default: 0].
    --since=<since>                  Only operations after this unix ms time.`,
		DefaultRelayUrl,
	)
}

func main() {
	opts, err := docopt.ParseArgs(usage(), os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func readSecret(prompt string) string {
	fmt.Print(prompt)
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(secretBytes)
}

func clientAuth(opts docopt.Opts) *collab.ClientAuth {
	auth := &collab.ClientAuth{}
	if jwt, err := opts.String("--jwt"); err == nil {
		auth.ByJwt = jwt
	}
	if userId, err := opts.String("--user_id"); err == nil {
		auth.UserId = userId
	}
	if auth.ByJwt == "" && auth.UserId == "" {
		auth.ByJwt = readSecret("Enter jwt: ")
	}
	return auth
}

func relayUrl(opts docopt.Opts) string {
	workspaceId, _ := opts.String("--workspace")
	baseUrl := DefaultRelayUrl
	if relayUrl, err := opts.String("--relay_url"); err == nil {
		baseUrl = relayUrl
	}
	return fmt.Sprintf("%s/ws/%s", baseUrl, workspaceId)
}

// opens a session and waits for the first canvas snapshot
func openSession(ctx context.Context, opts docopt.Opts, withPeers bool) (*collab.Session, error) {
	workspaceId, _ := opts.String("--workspace")
	auth := clientAuth(opts)
	userId, err := auth.ClientUserId()
	if err != nil {
		return nil, err
	}
	user := collab.User{
		Id: userId,
	}
	if name, err := opts.String("--name"); err == nil {
		user.Name = name
	}

	relay := collab.NewRelayTransportWithDefaults(ctx, relayUrl(opts), auth)

	var peers *collab.PeerManager
	if withPeers {
		peerSettings := collab.DefaultPeerSettings()
		peerSettings.EnableAudio = false
		peerSettings.EnableVideo = false
		peers = collab.NewPeerManager(
			ctx,
			userId,
			collab.NewWebRtcPeerConnector(peerSettings),
			relay,
			collab.NewSampleMediaDevices(userId),
			peerSettings,
		)
	}

	session := collab.NewSessionWithDefaults(ctx, workspaceId, user, relay, peers)

	synced := make(chan struct{}, 1)
	relay.AddEventCallback(collab.EventCanvasState, func(message *collab.Message) {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	gaveUp := make(chan struct{}, 1)
	relay.AddEventCallback(collab.EventReconnectFailed, func(message *collab.Message) {
		select {
		case gaveUp <- struct{}{}:
		default:
		}
	})

	if err := relay.Connect(); err != nil {
		session.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	case <-gaveUp:
		session.Close()
		return nil, collab.ErrRelayGaveUp
	case <-synced:
		// the snapshot is admitted on the session loop. A state read queues behind it.
		if _, err := session.State(ctx); err != nil {
			session.Close()
			return nil, err
		}
		return session, nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

// tail a workspace
func join(opts docopt.Opts) {
	withPeers, _ := opts.Bool("--peers")

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	ctx, cancel := signalContext()
	defer cancel()

	session, err := openSession(ctx, opts, withPeers)
	if err != nil {
		fmt.Printf("Could not join (%s).\n", err)
		os.Exit(1)
	}
	defer session.Close()

	messages := make(chan *collab.Message, 32)
	for _, event := range []string{
		collab.EventCanvasOperation,
		collab.EventUserJoined,
		collab.EventUserLeft,
		collab.EventUserUpdated,
		collab.EventCursorUpdate,
		collab.EventCommentAdded,
		collab.EventCommentUpdated,
		collab.EventCommentDeleted,
		collab.EventStateChange,
		collab.EventReconnectFailed,
	} {
		session.Relay().AddEventCallback(event, func(message *collab.Message) {
			select {
			case messages <- message:
			case <-ctx.Done():
			}
		})
	}

	state, _ := session.State(ctx)
	fmt.Printf("Joined %s with %d objects.\n", relayUrl(opts), len(state.Objects))

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-ctx.Done():
			return
		case message := <-messages:
			fmt.Printf("%s %s\n", message.Event, string(message.Data))
			if message.Event == collab.EventReconnectFailed {
				os.Exit(1)
			}
		}
	}
}

// submit one operation
func send(opts docopt.Opts) {
	objectId, _ := opts.String("--object")
	opTypeStr, _ := opts.String("--type")
	version, _ := opts.Int("--object_version")
	dataJson, _ := opts.String("<data>")

	data, err := collab.ParseOpData(collab.OpType(opTypeStr), dataJson)
	if err != nil {
		fmt.Printf("Invalid operation (%s).\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	session, err := openSession(ctx, opts, false)
	if err != nil {
		fmt.Printf("Could not join (%s).\n", err)
		os.Exit(1)
	}
	defer session.Close()

	op := session.NewOperation(objectId, int64(version), data)
	resolved, err := session.Submit(ctx, op)
	if err != nil {
		fmt.Printf("Operation not admitted (%s).\n", err)
		os.Exit(1)
	}
	for _, resolvedOp := range resolved {
		fmt.Printf("%s\n", resolvedOp)
	}

	// let the send queue drain before closing
	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
	}
}

// dump the synced history
func history(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session, err := openSession(ctx, opts, false)
	if err != nil {
		fmt.Printf("Could not join (%s).\n", err)
		os.Exit(1)
	}
	defer session.Close()

	ops, err := session.Operations(ctx)
	if err != nil {
		fmt.Printf("Could not read history (%s).\n", err)
		os.Exit(1)
	}
	if since, err := opts.Int("--since"); err == nil {
		filtered := []collab.Operation{}
		for _, op := range ops {
			if int64(since) < op.Timestamp {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	clock, _ := session.VectorClock(ctx)
	state, _ := session.State(ctx)

	litter.Config.HidePrivateFields = false
	litter.Dump(ops)
	litter.Dump(clock)
	litter.Dump(state)
}

// sign a relay jwt with a shared key
func token(opts docopt.Opts) {
	byJwt := &collab.ByJwt{}
	byJwt.UserId, _ = opts.String("--user_id")
	byJwt.WorkspaceId, _ = opts.String("--workspace")
	byJwt.Name, _ = opts.String("--name")

	key := readSecret("Enter relay key: ")
	signed, err := collab.SignByJwt(byJwt, []byte(key))
	if err != nil {
		fmt.Printf("Could not sign (%s).\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", signed)
}
