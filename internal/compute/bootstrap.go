package compute

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/crypto/ssh"

	"proxyforge/internal/models"
)

// TierProfile is the encoding recipe for one quality tier.
type TierProfile struct {
	Height       int
	VideoBitrate string
	AudioBitrate string
	Preset       string
}

var tierProfiles = map[models.QualityTier]TierProfile{
	models.QualityLow:  {Height: 360, VideoBitrate: "800k", AudioBitrate: "96k", Preset: "veryfast"},
	models.QualityMid:  {Height: 720, VideoBitrate: "2500k", AudioBitrate: "128k", Preset: "fast"},
	models.QualityHigh: {Height: 1080, VideoBitrate: "5000k", AudioBitrate: "192k", Preset: "medium"},
}

// ProfileFor returns the encoding profile for tier.
func ProfileFor(tier models.QualityTier) (TierProfile, bool) {
	profile, ok := tierProfiles[tier]
	return profile, ok
}

// FFmpegArgs renders the encoder arguments between input and output.
func (p TierProfile) FFmpegArgs() string {
	return fmt.Sprintf("-vf scale=-2:%d -c:v libx264 -preset %s -b:v %s -maxrate %s -bufsize %s -c:a aac -b:a %s -movflags +faststart",
		p.Height, p.Preset, p.VideoBitrate, p.VideoBitrate, doubleBitrate(p.VideoBitrate), p.AudioBitrate)
}

func doubleBitrate(rate string) string {
	var value int
	if _, err := fmt.Sscanf(rate, "%dk", &value); err != nil {
		return rate
	}
	return fmt.Sprintf("%dk", value*2)
}

// BootstrapOutput is one encode and upload step.
type BootstrapOutput struct {
	Quality   models.QualityTier
	UploadURL string
	// Headers must accompany the upload unchanged; presigned URLs sign them.
	Headers map[string]string
}

// BootstrapSpec is everything the remote script needs for one job.
type BootstrapSpec struct {
	JobID     string
	SourceURL string
	Outputs   []BootstrapOutput
}

// BootstrapConfig configures a BootstrapBuilder.
type BootstrapConfig struct {
	// PublicBaseURL is where instances reach the controller.
	PublicBaseURL string
	// CallbackToken is sent as the bearer credential on the completion call.
	CallbackToken string
	// AuthorizedKey is an optional OpenSSH public key installed for operators.
	AuthorizedKey string
	FetchAttempts int
}

// BootstrapBuilder renders cloud-init user-data scripts.
type BootstrapBuilder struct {
	callbackURL   string
	callbackToken string
	authorizedKey string
	fingerprint   string
	fetchAttempts int
}

// NewBootstrapBuilder validates cfg and prepares a builder.
func NewBootstrapBuilder(cfg BootstrapConfig) (*BootstrapBuilder, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.PublicBaseURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("bootstrap: public base url must be an absolute http(s) url")
	}
	if cfg.CallbackToken == "" {
		return nil, fmt.Errorf("bootstrap: callback token required")
	}
	b := &BootstrapBuilder{
		callbackURL:   strings.TrimRight(base.String(), "/") + "/webhook",
		callbackToken: cfg.CallbackToken,
		fetchAttempts: cfg.FetchAttempts,
	}
	if b.fetchAttempts <= 0 {
		b.fetchAttempts = 5
	}
	if key := strings.TrimSpace(cfg.AuthorizedKey); key != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parse authorized key: %w", err)
		}
		b.authorizedKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
		b.fingerprint = ssh.FingerprintSHA256(pub)
	}
	return b, nil
}

// KeyFingerprint returns the SHA256 fingerprint of the installed operator
// key, or "" when none is configured.
func (b *BootstrapBuilder) KeyFingerprint() string {
	return b.fingerprint
}

// CallbackURL is the webhook endpoint embedded in every script.
func (b *BootstrapBuilder) CallbackURL() string {
	return b.callbackURL
}

type templateOutput struct {
	Quality    string
	File       string
	UploadURL  string
	FFmpegArgs string
	Headers    []string
}

type templateData struct {
	JobID         string
	SourceURL     string
	CallbackURL   string
	CallbackToken string
	AuthorizedKey string
	FetchAttempts int
	Outputs       []templateOutput
}

// Build renders the script for spec.
func (b *BootstrapBuilder) Build(spec BootstrapSpec) ([]byte, error) {
	if spec.JobID == "" || spec.SourceURL == "" {
		return nil, fmt.Errorf("bootstrap: job id and source url required")
	}
	if len(spec.Outputs) == 0 {
		return nil, fmt.Errorf("bootstrap: at least one output required")
	}
	data := templateData{
		JobID:         spec.JobID,
		SourceURL:     spec.SourceURL,
		CallbackURL:   b.callbackURL,
		CallbackToken: b.callbackToken,
		AuthorizedKey: b.authorizedKey,
		FetchAttempts: b.fetchAttempts,
	}
	for _, output := range spec.Outputs {
		profile, ok := ProfileFor(output.Quality)
		if !ok {
			return nil, fmt.Errorf("bootstrap: no profile for tier %q", output.Quality)
		}
		headers := make([]string, 0, len(output.Headers))
		for name, value := range output.Headers {
			headers = append(headers, name+": "+value)
		}
		sort.Strings(headers)
		data.Outputs = append(data.Outputs, templateOutput{
			Quality:    string(output.Quality),
			File:       string(output.Quality) + ".mp4",
			UploadURL:  output.UploadURL,
			FFmpegArgs: profile.FFmpegArgs(),
			Headers:    headers,
		})
	}
	var buf bytes.Buffer
	if err := bootstrapTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("bootstrap: render: %w", err)
	}
	return buf.Bytes(), nil
}

// shellQuote wraps value in single quotes for POSIX shells.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

var bootstrapTemplate = template.Must(template.New("bootstrap").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
set -uo pipefail

JOB_ID={{quote .JobID}}
CALLBACK_URL={{quote .CallbackURL}}
CALLBACK_TOKEN={{quote .CallbackToken}}
WORKDIR=/var/tmp/proxyforge
PRODUCED=""
FAILURE=""
REPORTED=0

report() {
  local status="$1" message="$2" body attempt
  body=$(printf '{"jobId":"%s","status":"%s","qualities":[%s],"error":"%s"}' "$JOB_ID" "$status" "$PRODUCED" "$message")
  for attempt in 1 2 3 4 5; do
    if curl -fsS -X POST -H "Authorization: Bearer $CALLBACK_TOKEN" -H "Content-Type: application/json" --data "$body" "$CALLBACK_URL"; then
      REPORTED=1
      return 0
    fi
    sleep $((attempt * 5))
  done
  return 1
}

finish() {
  if [ "$REPORTED" -eq 0 ]; then
    report failed "${FAILURE:-bootstrap exited before reporting}"
  fi
  rm -rf "$WORKDIR"
  shutdown -h now
}
trap finish EXIT
{{- if .AuthorizedKey}}

mkdir -p /root/.ssh
echo {{quote .AuthorizedKey}} >> /root/.ssh/authorized_keys
chmod 600 /root/.ssh/authorized_keys
{{- end}}

mkdir -p "$WORKDIR"
cd "$WORKDIR" || exit 1

fetch_source() {
  local attempt
  for attempt in $(seq 1 {{.FetchAttempts}}); do
    if curl -fsSL -o source {{quote .SourceURL}}; then
      return 0
    fi
    sleep $((attempt * 10))
  done
  return 1
}

if ! fetch_source; then
  FAILURE="source download failed"
  exit 1
fi
{{range .Outputs}}
# {{.Quality}}
if ffmpeg -y -nostdin -i source {{.FFmpegArgs}} {{quote .File}} \
  && curl -fsS -X PUT{{range .Headers}} -H {{quote .}}{{end}} --upload-file {{quote .File}} {{quote .UploadURL}}; then
  PRODUCED="${PRODUCED:+$PRODUCED,}\"{{.Quality}}\""
else
  FAILURE="encode or upload failed for {{.Quality}}"
fi
rm -f {{quote .File}}
{{end}}
if [ -n "$FAILURE" ]; then
  report failed "$FAILURE"
else
  report completed ""
fi
`))
