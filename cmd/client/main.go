package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dasmlab/jsonrelay/pkg/service"
)

// Globals are flags shared by every command.
type Globals struct {
	Addr     string        `help:"gRPC server address." default:"localhost:50051"`
	Timeout  time.Duration `help:"Overall request timeout." default:"60s"`
	LogLevel string        `help:"Log level." default:"info" enum:"debug,info,warn,error"`
}

// CLI defines the command-line interface
var CLI struct {
	Globals

	Doc    DocCmd    `cmd:"" help:"Translate a JSON document and wait for the result."`
	Text   TextCmd   `cmd:"" help:"Translate plain text."`
	Submit SubmitCmd `cmd:"" help:"Queue a JSON document as a background job."`
	Job    JobCmd    `cmd:"" help:"Show a background job, optionally waiting for it."`
}

type languageFlags struct {
	Source string `help:"Source language code." default:"auto" short:"s"`
	Target string `help:"Target language code." required:"" short:"t"`
	Proxy  string `help:"Per-request proxy (when the server allows it)."`
}

type documentFlags struct {
	languageFlags
	Input    string `arg:"" optional:"" help:"Path to input JSON file. Reads stdin when omitted." type:"path"`
	Strategy string `help:"Structured strategy: leaf or protect. Server default when empty."`
	Format   string `help:"Leaf format: text or html. Server default when empty."`
}

func (f documentFlags) request() (service.DocumentRequest, error) {
	data, err := readInput(f.Input)
	if err != nil {
		return service.DocumentRequest{}, err
	}
	return service.DocumentRequest{
		RequestID:      fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		Document:       data,
		SourceLanguage: f.Source,
		TargetLanguage: f.Target,
		Strategy:       f.Strategy,
		Format:         f.Format,
		Proxy:          f.Proxy,
	}, nil
}

// DocCmd translates a document synchronously.
type DocCmd struct {
	documentFlags
	Output string `help:"Write the translated document here instead of stdout." short:"o" type:"path"`
}

func (c *DocCmd) Run(r *runtime) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	start := time.Now()
	out, err := r.client.TranslateDocument(r.ctx, req)
	if err != nil {
		return fmt.Errorf("translate document: %w", err)
	}
	fields := out.GetFields()
	r.logger.WithFields(logrus.Fields{
		"request_id":  fields["request_id"].GetStringValue(),
		"strategy":    fields["strategy"].GetStringValue(),
		"leaves":      fields["leaves"].GetNumberValue(),
		"batches":     fields["batches"].GetNumberValue(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Document translated")
	return writeOutput(c.Output, fields["document"].GetStringValue())
}

// TextCmd translates plain text.
type TextCmd struct {
	languageFlags
	Text []string `arg:"" help:"Text to translate."`
}

func (c *TextCmd) Run(r *runtime) error {
	out, err := r.client.TranslateText(r.ctx, service.TextRequest{
		Text:           strings.Join(c.Text, " "),
		SourceLanguage: c.Source,
		TargetLanguage: c.Target,
		Proxy:          c.Proxy,
	})
	if err != nil {
		return fmt.Errorf("translate text: %w", err)
	}
	fmt.Println(out)
	return nil
}

// SubmitCmd queues a background job.
type SubmitCmd struct {
	documentFlags
}

func (c *SubmitCmd) Run(r *runtime) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	id, err := r.client.SubmitJob(r.ctx, req)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	fmt.Println(id)
	return nil
}

// JobCmd reports a job's state.
type JobCmd struct {
	ID     string        `arg:"" help:"Job ID."`
	Wait   bool          `help:"Poll until the job finishes." short:"w"`
	Every  time.Duration `help:"Poll interval." default:"1s"`
	Output string        `help:"Write the translated document here once completed." short:"o" type:"path"`
}

func (c *JobCmd) Run(r *runtime) error {
	for {
		job, err := r.client.GetJob(r.ctx, c.ID)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		fields := job.GetFields()
		status := fields["status"].GetStringValue()
		r.logger.WithFields(logrus.Fields{
			"job_id":   c.ID,
			"status":   status,
			"progress": fields["progress_percent"].GetNumberValue(),
		}).Info("Job status")

		switch service.TranslationJobStatus(status) {
		case service.JobStatusCompleted:
			return writeOutput(c.Output, fields["document"].GetStringValue())
		case service.JobStatusFailed:
			return fmt.Errorf("job failed (%s): %s", fields["error_kind"].GetStringValue(), fields["error"].GetStringValue())
		}
		if !c.Wait {
			return printStruct(job)
		}

		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case <-time.After(c.Every):
		}
	}
}

type runtime struct {
	ctx    context.Context
	client *service.Client
	logger *logrus.Logger
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(path, content string) error {
	if path == "" {
		fmt.Println(content)
		return nil
	}
	return os.WriteFile(path, []byte(content+"\n"), 0o644)
}

func printStruct(s *structpb.Struct) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("jsonrelay-client"),
		kong.Description("Command-line client for the jsonrelay translation service"),
		kong.UsageOnError(),
	)

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(CLI.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	conn, err := grpc.NewClient(CLI.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to server")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), CLI.Timeout)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"server":  CLI.Addr,
		"command": kctx.Command(),
	}).Debug("Connecting to jsonrelay server")

	err = kctx.Run(&runtime{ctx: ctx, client: service.NewClient(conn), logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
