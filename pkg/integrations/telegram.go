// Copyright 2025 The Uciforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package integrations

import (
	"context"
	"fmt"
	"net/http"
)

// Telegram sends job-status messages through the Telegram Bot API.
type Telegram struct {
	Token            string `yaml:"token" json:"token"`
	ChatID           string `yaml:"chat_id" json:"chat_id"`
	MessageThreadID  *int   `yaml:"message_thread_id,omitempty" json:"message_thread_id,omitempty"`
	// NotifyJobs gates whether job-level (as opposed to only pipeline-level)
	// lifecycle events are forwarded to this chat.
	NotifyJobs bool `yaml:"notify_jobs" json:"notify_jobs"`
	Client     *http.Client
}

// Kind implements Integration.
func (t *Telegram) Kind() Kind { return KindTelegram }

type telegramSendMessageBody struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	ParseMode       string `json:"parse_mode,omitempty"`
	MessageThreadID *int   `json:"message_thread_id,omitempty"`
}

// SetJobStatus sends a text message describing the report. Pipeline-level
// reports (empty JobID) are always sent; job-level reports are sent only
// when NotifyJobs is true and are a no-op otherwise.
func (t *Telegram) SetJobStatus(ctx context.Context, report JobStatusReport) error {
	if !t.NotifyJobs && report.JobID != "" {
		return nil
	}
	text := fmt.Sprintf("%s / %s: %s", report.PipelineID, report.JobID, report.State)
	if report.Description != "" {
		text = fmt.Sprintf("%s\n%s", text, report.Description)
	}
	return t.SendMessage(ctx, text)
}

// SendMessage posts a plain text message to the configured chat via
// https://api.telegram.org/bot{token}/sendMessage.
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	return t.call(ctx, "sendMessage", telegramSendMessageBody{
		ChatID:          t.ChatID,
		Text:            text,
		MessageThreadID: t.MessageThreadID,
	})
}

func (t *Telegram) call(ctx context.Context, method string, body any) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/%s", t.Token, method)
	return postJSON(ctx, t.Client, url, nil, body)
}
