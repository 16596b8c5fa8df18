package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/splitter-core/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"psi": func(v float64) string {
		return fmt.Sprintf("%.1f", v)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="2">
<title>Log Splitter</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.alarm { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Log Splitter</h1>

<h2>Sequence</h2>
<table>
<tr><th>State</th><td id="seq-state">{{stateOrUnknown (printf "%s" .Core.State)}}</td></tr>
<tr><th>Stage</th><td>{{.Core.Stage}}{{if .Core.Manual}} (manual){{end}}</td></tr>
<tr><th>Elapsed</th><td>{{.Core.Elapsed}}ms</td></tr>
<tr><th>Extend (R1)</th><td class="{{if .Core.ExtendRelay}}on{{else}}off{{end}}">{{if .Core.ExtendRelay}}ON{{else}}OFF{{end}}</td></tr>
<tr><th>Retract (R2)</th><td class="{{if .Core.RetractRelay}}on{{else}}off{{end}}">{{if .Core.RetractRelay}}ON{{else}}OFF{{end}}</td></tr>
{{if .Core.Outcome.State}}<tr><th>Last cycle</th><td>{{.Core.Outcome.State}}{{if .Core.Outcome.Reason}} ({{.Core.Outcome.Reason}}){{end}}</td></tr>{{end}}
<tr><th>Inputs ready</th><td>{{if .Baselined}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Pressure</h2>
<table>
<tr><th>Hydraulic system</th><td>{{psi .Core.Main.PSI}} psi</td></tr>
<tr><th>Hydraulic filter</th><td>{{psi .Core.Filter.PSI}} psi</td></tr>
</table>

<h2>Safety</h2>
<table>
<tr><th>Safety</th><td class="{{if .Core.SafetyActive}}alarm{{else}}off{{end}}">{{if .Core.SafetyActive}}ACTIVE ({{.Core.SafetyReason}}){{else}}OK{{end}}</td></tr>
<tr><th>Engine</th><td class="{{if .Core.EngineStopped}}alarm{{else}}on{{end}}">{{if .Core.EngineStopped}}STOPPED{{else}}RUNNING{{end}}</td></tr>
<tr><th>E-Stop</th><td class="{{if .Core.EStopLatched}}alarm{{else}}off{{end}}">{{if .Core.EStopLatched}}LATCHED{{else}}OK{{end}}</td></tr>
<tr><th>Lockout</th><td class="{{if .Core.LockedOut}}alarm{{else}}off{{end}}">{{if .Core.LockedOut}}YES ({{.Core.LockoutReason}}){{else}}NO{{end}}</td></tr>
<tr><th>Errors</th><td class="{{if .Faults.Count}}alarm{{else}}off{{end}}">{{if .Faults.Count}}{{.Faults.Count}} (MIL {{.Faults.Pattern}}){{else}}none{{end}}</td></tr>
{{if .Faults.List}}<tr><th>Active errors</th><td>{{.Faults.List}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .MQTTQueued}}<tr><th>Queued</th><td>{{.MQTTQueued}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Session</th><td>{{.Session}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatSec 0}}disabled{{else}}{{.Config.HeartbeatSec}}s{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render index: %v", err)
	}
}
