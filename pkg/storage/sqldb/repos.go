package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

type chatRepository struct {
	db *sql.DB
	d  Dialect
}

func (r *chatRepository) Upsert(ctx context.Context, chats ...repository.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	query := r.d.rebind(`INSERT INTO chats (id, name, archived, pinned, muted, unread, last_message_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (id) DO UPDATE SET
	              name = EXCLUDED.name,
	              archived = EXCLUDED.archived,
	              pinned = EXCLUDED.pinned,
	              muted = EXCLUDED.muted,
	              unread = EXCLUDED.unread,
	              last_message_at = EXCLUDED.last_message_at,
	              updated_at = EXCLUDED.updated_at`)
	return withTx(ctx, r.db, func(tx dbExecutor) error {
		for _, c := range chats {
			if _, err := tx.ExecContext(ctx, query,
				c.ID, c.Name, c.Archived, c.Pinned, c.Muted, c.Unread,
				toMillis(c.LastMessageAt), toMillis(c.UpdatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

const chatColumns = `id, name, archived, pinned, muted, unread, last_message_at, updated_at`

func scanChat(row interface{ Scan(...interface{}) error }) (repository.Chat, error) {
	var c repository.Chat
	var last, updated int64
	err := row.Scan(&c.ID, &c.Name, &c.Archived, &c.Pinned, &c.Muted, &c.Unread, &last, &updated)
	c.LastMessageAt = fromMillis(last)
	c.UpdatedAt = fromMillis(updated)
	return c, err
}

func (r *chatRepository) Get(ctx context.Context, id string) (*repository.Chat, error) {
	row := r.db.QueryRowContext(ctx, r.d.rebind(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *chatRepository) List(ctx context.Context) ([]repository.Chat, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []repository.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (r *chatRepository) Delete(ctx context.Context, id string) error {
	return withTx(ctx, r.db, func(tx dbExecutor) error {
		if _, err := tx.ExecContext(ctx, r.d.rebind(`DELETE FROM messages WHERE chat_id = ?`), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, r.d.rebind(`DELETE FROM chats WHERE id = ?`), id)
		return err
	})
}

type contactRepository struct {
	db *sql.DB
	d  Dialect
}

func (r *contactRepository) Upsert(ctx context.Context, contacts ...repository.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	query := r.d.rebind(`INSERT INTO contacts (id, name, push_name, picture_url, updated_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT (id) DO UPDATE SET
	              name = EXCLUDED.name,
	              push_name = EXCLUDED.push_name,
	              picture_url = EXCLUDED.picture_url,
	              updated_at = EXCLUDED.updated_at`)
	return withTx(ctx, r.db, func(tx dbExecutor) error {
		for _, c := range contacts {
			if _, err := tx.ExecContext(ctx, query,
				c.ID, c.Name, c.PushName, c.PictureURL, toMillis(c.UpdatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

const contactColumns = `id, name, push_name, picture_url, updated_at`

func scanContact(row interface{ Scan(...interface{}) error }) (repository.Contact, error) {
	var c repository.Contact
	var updated int64
	err := row.Scan(&c.ID, &c.Name, &c.PushName, &c.PictureURL, &updated)
	c.UpdatedAt = fromMillis(updated)
	return c, err
}

func (r *contactRepository) Get(ctx context.Context, id string) (*repository.Contact, error) {
	row := r.db.QueryRowContext(ctx, r.d.rebind(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`), id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *contactRepository) List(ctx context.Context) ([]repository.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []repository.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *contactRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n)
	return n, err
}

type messageRepository struct {
	db *sql.DB
	d  Dialect
}

func (r *messageRepository) Save(ctx context.Context, msgs ...repository.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	query := r.d.rebind(`INSERT INTO messages (chat_id, id, from_self, sender, push_name, kind, text, raw, ts)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (chat_id, id) DO UPDATE SET
	              from_self = EXCLUDED.from_self,
	              sender = EXCLUDED.sender,
	              push_name = EXCLUDED.push_name,
	              kind = EXCLUDED.kind,
	              text = EXCLUDED.text,
	              raw = EXCLUDED.raw,
	              ts = EXCLUDED.ts`)
	return withTx(ctx, r.db, func(tx dbExecutor) error {
		for _, m := range msgs {
			if _, err := tx.ExecContext(ctx, query,
				m.ChatID, m.ID, m.FromSelf, m.Sender, m.PushName, m.Kind, m.Text, m.Raw, toMillis(m.Timestamp),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

const messageColumns = `chat_id, id, from_self, sender, push_name, kind, text, raw, ts`

func scanMessage(row interface{ Scan(...interface{}) error }) (repository.StoredMessage, error) {
	var m repository.StoredMessage
	var ts int64
	err := row.Scan(&m.ChatID, &m.ID, &m.FromSelf, &m.Sender, &m.PushName, &m.Kind, &m.Text, &m.Raw, &ts)
	m.Timestamp = fromMillis(ts)
	return m, err
}

func (r *messageRepository) Get(ctx context.Context, chatID, id string) (*repository.StoredMessage, error) {
	row := r.db.QueryRowContext(ctx,
		r.d.rebind(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND id = ?`), chatID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *messageRepository) ListByChat(ctx context.Context, chatID string, limit int) ([]repository.StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = ? ORDER BY ts DESC, id DESC`
	args := []interface{}{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []repository.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *messageRepository) Prune(ctx context.Context, chatID string, keep int) error {
	if keep < 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM messages
	          WHERE chat_id = ? AND id NOT IN (
	              SELECT id FROM messages WHERE chat_id = ? ORDER BY ts DESC, id DESC LIMIT ?
	          )`), chatID, chatID, keep)
	return err
}

func (r *messageRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
