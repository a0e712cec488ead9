package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/nao1215/andon/internal/notification"
)

// outputResult は指定された形式で結果を出力する。
func outputResult(w io.Writer, result any, format string) error {
	switch format {
	case "json":
		return outputJSON(w, result)
	case "yaml":
		return outputYAML(w, result)
	case "table", "":
		return outputTable(w, result)
	default:
		return fmt.Errorf("未対応の出力形式です: %s", format)
	}
}

func outputJSON(w io.Writer, result any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputYAML(w io.Writer, result any) error {
	// Record.Payload はjson.RawMessageなので、一度JSONを経由して汎用の値にする
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func outputTable(w io.Writer, result any) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	switch r := result.(type) {
	case StatusResult:
		fmt.Fprintln(tw, "CATEGORY\tCONNECTIONS\tUNACKNOWLEDGED")
		for _, c := range r.Categories {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", c.Category, c.Connections, c.Unacknowledged)
		}
	case ListResult:
		writeRecordHeader(tw)
		for _, rec := range r.Notifications {
			writeRecordRow(tw, rec)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\n%s: %d件\n", r.Category, r.TotalNotifications)
		return err
	case notification.Record:
		writeRecordHeader(tw)
		writeRecordRow(tw, r)
		fmt.Fprintf(tw, "\nMESSAGE\t%s\n", r.Message)
	case AckResult:
		fmt.Fprintf(tw, "STATUS\t%s\n", r.Status)
		fmt.Fprintf(tw, "NOTIFICATION\t%d\n", r.NotificationID)
		fmt.Fprintf(tw, "MESSAGE\t%s\n", r.Message)
	case AckAllResult:
		fmt.Fprintf(tw, "STATUS\t%s\n", r.Status)
		fmt.Fprintf(tw, "ACKNOWLEDGED\t%d\n", r.Acknowledged)
		fmt.Fprintf(tw, "SKIPPED\t%d\n", r.Skipped)
		fmt.Fprintf(tw, "MESSAGE\t%s\n", r.Message)
	case TokenResult:
		fmt.Fprintf(tw, "TOKEN\t%s\n", r.Token)
		fmt.Fprintf(tw, "EXPIRES\t%s\n", r.ExpiresAt.Format(time.RFC3339))
	default:
		return outputJSON(w, result)
	}
	return tw.Flush()
}

func writeRecordHeader(w io.Writer) {
	fmt.Fprintln(w, "ID\tSOURCE\tCREATED\tACK\tTITLE")
}

func writeRecordRow(w io.Writer, rec notification.Record) {
	ack := "-"
	if rec.IsAcknowledged && rec.AcknowledgedBy != nil {
		ack = *rec.AcknowledgedBy
	}
	fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
		rec.ID, rec.SourceID, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), ack, rec.Title)
}
