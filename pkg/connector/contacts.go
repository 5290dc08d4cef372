// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/wa"
)

type syncResult struct {
	changed int
	total   int
}

// SyncContacts copies the WhatsApp address book into the directory and
// renames the threads of contacts whose name changed. Concurrent calls share
// one sync. It returns the number of new or updated contacts.
func (c *Connector) SyncContacts(ctx context.Context) (int, error) {
	v, err, _ := c.syncs.Do("contacts", func() (any, error) {
		return c.syncContacts(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(syncResult).changed, nil
}

func (c *Connector) syncContacts(ctx context.Context) (syncResult, error) {
	if !c.Connected() {
		c.Log.Warn().Msg("WhatsApp not connected, skipping contact sync")
		return syncResult{}, wa.ErrNotConnected
	}
	c.Log.Info().Msg("Syncing contacts from WhatsApp")

	res, renamed, err := c.mergeContacts(ctx)
	if err != nil {
		c.Log.Err(err).Msg("Failed to sync contacts")
		c.logToChannel(ctx, "❌ Contact Sync Failed", "Error: "+err.Error())
		return syncResult{}, err
	}
	c.Log.Info().
		Int("changed", res.changed).
		Int("total", res.total).
		Int("renamed_threads", renamed).
		Msg("Contact sync complete")
	c.logToChannel(ctx, "✅ Contact Sync Complete",
		fmt.Sprintf("Synced %d new/updated contacts. Total: %d", res.changed, res.total))
	return res, nil
}

func (c *Connector) mergeContacts(ctx context.Context) (syncResult, int, error) {
	contacts, err := c.wa.Contacts(ctx)
	if err != nil {
		return syncResult{}, 0, fmt.Errorf("failed to read contacts: %w", err)
	}
	c.Log.Debug().Int("count", len(contacts)).Msg("Read contacts from WhatsApp store")

	// Names before the merge decide which threads need a new title.
	renames := make(map[string]string)
	for _, ct := range contacts {
		phone := strings.TrimPrefix(directory.PhoneOf(ct.Phone), "+")
		name := strings.TrimSpace(ct.DisplayName)
		if name != "" && c.dir.ContactName(phone) != name {
			renames[phone] = name
		}
	}

	changed, err := c.dir.UpsertContacts(ctx, contacts)
	if err != nil {
		return syncResult{}, 0, err
	}

	renamed := 0
	if c.Config.Telegram.Features.Topics {
		for phone, name := range renames {
			ok, err := c.dir.RenameThreadForContact(ctx, phone, name)
			if err != nil {
				c.Log.Warn().Err(err).Str("phone", phone).Msg("Failed to rename contact thread")
				continue
			}
			if ok {
				renamed++
			}
		}
	}
	return syncResult{changed: changed, total: c.dir.Counts().Contacts}, renamed, nil
}

// WatchContacts re-syncs the address book every interval while the
// connection is open. A non-positive interval disables the loop.
func (c *Connector) WatchContacts(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.Log.Info().
		Dur("interval", interval).
		Msg("Starting WatchContacts loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Log.Info().Msg("WatchContacts stopped")
			return
		case <-ticker.C:
			if !c.Connected() {
				continue
			}
			if _, err := c.SyncContacts(ctx); err != nil {
				c.Log.Warn().Err(err).Msg("WatchContacts: sync failed")
			}
		}
	}
}

func (c *Connector) logToChannel(ctx context.Context, title, message string) {
	if err := c.tg.LogToChannel(ctx, title, message); err != nil {
		c.Log.Warn().Err(err).Str("title", title).Msg("Failed to log to Telegram")
	}
}
