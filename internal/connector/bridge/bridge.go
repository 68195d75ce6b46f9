// Package bridge implements a Connector Runtime Transport (C3) for
// outbound-only capability providers: Slack notifications, Google Cloud
// Pub/Sub fan-out, Google Cloud Tasks durable delivery, and a Socket.IO
// broadcast hub for live dashboards. A bridge transport never produces
// inbound frames — Frames returns a nil channel, so the runtime's pump
// loop simply blocks on it without ever observing a transport drop.
// Grounded on the teacher's internal/webhooks/cloud_dispatcher.go (Cloud
// Tasks), internal/events/pubsub_bus.go (Pub/Sub), and
// cmd/probe/main.go's setupSocketServer (go-socket.io broadcast hub);
// Slack support is an enrichment adopted from jordigilh-kubernaut.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"cloud.google.com/go/pubsub"
	socketio "github.com/googollee/go-socket.io"
	"github.com/slack-go/slack"

	"github.com/ocx/connectorfabric/internal/fabricerr"
)

// SlackSettings configures the optional Slack notification capability.
type SlackSettings struct {
	Token          string
	DefaultChannel string
	APIURL         string // overridden in tests to point at a local stub
	HTTPClient     *http.Client
}

// PubSubSettings configures the optional Pub/Sub fan-out capability.
type PubSubSettings struct {
	ProjectID string
	TopicID   string
}

// TasksSettings configures the optional Cloud Tasks durable-delivery
// capability.
type TasksSettings struct {
	ProjectID  string
	LocationID string
	QueueID    string
}

// SocketIOSettings configures the optional Socket.IO broadcast capability.
type SocketIOSettings struct {
	ListenAddr string // e.g. ":8089"; empty disables the capability
}

// Settings aggregates the bridge's sub-capability configuration. Any
// zero-value sub-setting leaves that capability unavailable.
type Settings struct {
	Slack    SlackSettings
	PubSub   PubSubSettings
	Tasks    TasksSettings
	SocketIO SocketIOSettings
}

// Transport implements connector.Transport for the outbound notification
// bridge. Its Frames channel is nil, so it never produces inbound data.
type Transport struct {
	settings Settings

	slackClient  *slack.Client
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	tasksClient  *cloudtasks.Client
	ioServer     *socketio.Server
	ioHTTP       *http.Server
}

// New constructs a bridge Transport.
func New(settings Settings) *Transport {
	return &Transport{settings: settings}
}

// Open lazily connects whichever sub-capabilities are configured.
func (t *Transport) Open(ctx context.Context) error {
	if t.settings.Slack.Token != "" {
		var opts []slack.Option
		if t.settings.Slack.APIURL != "" {
			opts = append(opts, slack.OptionAPIURL(t.settings.Slack.APIURL))
		}
		if t.settings.Slack.HTTPClient != nil {
			opts = append(opts, slack.OptionHTTPClient(t.settings.Slack.HTTPClient))
		}
		t.slackClient = slack.New(t.settings.Slack.Token, opts...)
	}

	if t.settings.PubSub.ProjectID != "" && t.settings.PubSub.TopicID != "" {
		client, err := pubsub.NewClient(ctx, t.settings.PubSub.ProjectID)
		if err != nil {
			return fabricerr.Wrap(fabricerr.KindUnreachableError, "bridge.Open", "pubsub.NewClient", err)
		}
		t.pubsubClient = client
		t.pubsubTopic = client.Topic(t.settings.PubSub.TopicID)
		t.pubsubTopic.EnableMessageOrdering = true
	}

	if t.settings.Tasks.ProjectID != "" {
		client, err := cloudtasks.NewClient(ctx)
		if err != nil {
			return fabricerr.Wrap(fabricerr.KindUnreachableError, "bridge.Open", "cloudtasks.NewClient", err)
		}
		t.tasksClient = client
	}

	if t.settings.SocketIO.ListenAddr != "" {
		server := socketio.NewServer(nil)
		server.OnConnect("/", func(s socketio.Conn) error { return nil })
		server.OnDisconnect("/", func(s socketio.Conn, reason string) {})
		go server.Serve()

		mux := http.NewServeMux()
		mux.Handle("/socket.io/", server)
		httpSrv := &http.Server{Addr: t.settings.SocketIO.ListenAddr, Handler: mux}
		go httpSrv.ListenAndServe()

		t.ioServer = server
		t.ioHTTP = httpSrv
	}

	return nil
}

// Close tears down every connected sub-capability.
func (t *Transport) Close(ctx context.Context) error {
	if t.pubsubClient != nil {
		t.pubsubClient.Close()
	}
	if t.tasksClient != nil {
		t.tasksClient.Close()
	}
	if t.ioServer != nil {
		t.ioServer.Close()
	}
	if t.ioHTTP != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.ioHTTP.Shutdown(shutCtx)
	}
	return nil
}

// Execute dispatches a bridge capability call. capabilityID selects the
// sub-capability (bridge.slack, bridge.pubsub, bridge.cloudtasks, bridge.socketio).
func (t *Transport) Execute(ctx context.Context, capabilityID, operation string, parameters map[string]any) (any, error) {
	switch capabilityID {
	case "bridge.slack":
		return t.executeSlack(ctx, operation, parameters)
	case "bridge.pubsub":
		return t.executePubSub(ctx, operation, parameters)
	case "bridge.cloudtasks":
		return t.executeTasks(ctx, operation, parameters)
	case "bridge.socketio":
		return t.executeSocketIO(ctx, operation, parameters)
	default:
		return nil, fabricerr.New(fabricerr.KindUnknownCapability, "bridge.Execute",
			fmt.Sprintf("no such bridge capability %q", capabilityID))
	}
}

func (t *Transport) executeSlack(ctx context.Context, operation string, parameters map[string]any) (any, error) {
	if t.slackClient == nil {
		return nil, fabricerr.New(fabricerr.KindNotConnected, "bridge.slack", "slack not configured")
	}
	if operation != "notify" {
		return nil, fabricerr.New(fabricerr.KindUnknownOperation, "bridge.slack", operation)
	}

	channel, _ := parameters["channel"].(string)
	if channel == "" {
		channel = t.settings.Slack.DefaultChannel
	}
	text, _ := parameters["text"].(string)

	_, ts, err := t.slackClient.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindUpstreamError, "bridge.slack", "PostMessage failed", err)
	}
	return map[string]any{"channel": channel, "ts": ts}, nil
}

func (t *Transport) executePubSub(ctx context.Context, operation string, parameters map[string]any) (any, error) {
	if t.pubsubTopic == nil {
		return nil, fabricerr.New(fabricerr.KindNotConnected, "bridge.pubsub", "pubsub not configured")
	}
	if operation != "publish" {
		return nil, fabricerr.New(fabricerr.KindUnknownOperation, "bridge.pubsub", operation)
	}

	payload, _ := parameters["payload"].(string)
	result := t.pubsubTopic.Publish(ctx, &pubsub.Message{Data: []byte(payload)})
	id, err := result.Get(ctx)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindUpstreamError, "bridge.pubsub", "Publish failed", err)
	}
	return map[string]any{"message_id": id}, nil
}

func (t *Transport) executeTasks(ctx context.Context, operation string, parameters map[string]any) (any, error) {
	if t.tasksClient == nil {
		return nil, fabricerr.New(fabricerr.KindNotConnected, "bridge.cloudtasks", "cloud tasks not configured")
	}
	if operation != "enqueue" {
		return nil, fabricerr.New(fabricerr.KindUnknownOperation, "bridge.cloudtasks", operation)
	}

	url, _ := parameters["url"].(string)
	body, _ := parameters["body"].(string)
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		t.settings.Tasks.ProjectID, t.settings.Tasks.LocationID, t.settings.Tasks.QueueID)

	req := &taskspb.CreateTaskRequest{
		Parent: queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        url,
					Body:       []byte(body),
				},
			},
		},
	}

	task, err := t.tasksClient.CreateTask(ctx, req)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindUpstreamError, "bridge.cloudtasks", "CreateTask failed", err)
	}
	return map[string]any{"task_name": task.GetName()}, nil
}

func (t *Transport) executeSocketIO(ctx context.Context, operation string, parameters map[string]any) (any, error) {
	if t.ioServer == nil {
		return nil, fabricerr.New(fabricerr.KindNotConnected, "bridge.socketio", "socket.io not configured")
	}
	if operation != "broadcast" {
		return nil, fabricerr.New(fabricerr.KindUnknownOperation, "bridge.socketio", operation)
	}

	event, _ := parameters["event"].(string)
	payload := parameters["payload"]
	t.ioServer.BroadcastToRoom("/", "", event, payload)
	return map[string]any{"broadcast": event}, nil
}

// Heartbeat reports healthy as long as the transport is open; bridge
// sub-capabilities are checked lazily per-call instead.
func (t *Transport) Heartbeat(ctx context.Context) error {
	return nil
}

// Frames is always empty: the bridge never produces inbound events.
func (t *Transport) Frames(ctx context.Context) <-chan []byte {
	return nil
}
