package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/okian/icebreaker/internal/domain/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint hit.
const uniqueViolation = "23505"

type eventRow struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID                       string    `bun:"id,pk"`
	Title                    string    `bun:"title,notnull"`
	Location                 string    `bun:"location,notnull"`
	StartsAt                 time.Time `bun:"starts_at,notnull"`
	GamePhase                string    `bun:"game_phase,notnull"`
	CurrentLevel             *string   `bun:"current_level"`
	CurrentQuestionIndex     *int      `bun:"current_question_index"`
	CurrentQuestion          *string   `bun:"current_question"`
	CurrentQuestionStarterID *string   `bun:"current_question_starter_id"`
	AnsweredUsers            []string  `bun:"answered_users,array,notnull"`
	Version                  int64     `bun:"version,notnull"`
	UpdatedAt                time.Time `bun:"updated_at,notnull"`
}

type voteRow struct {
	bun.BaseModel `bun:"table:event_votes,alias:v"`

	EventID        string    `bun:"event_id,pk"`
	Level          string    `bun:"level,pk"`
	FromUserID     string    `bun:"from_user_id,pk"`
	SelectedUserID *string   `bun:"selected_user_id"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

type participantRow struct {
	bun.BaseModel `bun:"table:event_participants,alias:p"`

	EventID     string    `bun:"event_id,pk"`
	UserID      string    `bun:"user_id,pk"`
	DisplayName string    `bun:"display_name,notnull"`
	CheckedIn   bool      `bun:"checked_in,notnull"`
	Presented   bool      `bun:"presented,notnull"`
	JoinedAt    time.Time `bun:"joined_at,notnull"`
}

// BunStore is the PostgreSQL store. The event row is read FOR UPDATE and
// written back with a version check, so racing writers serialize on the row.
type BunStore struct {
	db   *bun.DB
	opts options
}

// OpenPostgres connects with pgdriver and returns a bun handle.
func OpenPostgres(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// NewBunStore wraps db and, unless disabled, creates the tables.
func NewBunStore(ctx context.Context, db *bun.DB, opts ...Option) (*BunStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &BunStore{db: db, opts: o}
	if o.autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *BunStore) Migrate(ctx context.Context) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, m := range []any{(*eventRow)(nil), (*voteRow)(nil), (*participantRow)(nil)} {
			if _, err := tx.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("create table: %w", err)
			}
		}
		return nil
	})
}

func (s *BunStore) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	defer observe("create_event", time.Now())
	if ev.ID == "" {
		return model.Event{}, fmt.Errorf("empty id: %w", ErrInvalidEvent)
	}
	ev = ev.Clone()
	ev.Version = 1
	ev.UpdatedAt = s.opts.now()
	row := toEventRow(ev)
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, fmt.Errorf("event %s exists: %w", ev.ID, ErrInvalidEvent)
		}
		return model.Event{}, fmt.Errorf("failed to create event: %w", err)
	}
	return row.toModel()
}

func (s *BunStore) Get(ctx context.Context, eventID string) (model.Event, error) {
	defer observe("get", time.Now())
	row := new(eventRow)
	if err := s.db.NewSelect().Model(row).Where("id = ?", eventID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return model.Event{}, fmt.Errorf("failed to fetch event: %w", err)
	}
	return row.toModel()
}

func (s *BunStore) Update(ctx context.Context, eventID string, patch model.Patch, pre *Precondition) (model.Event, error) {
	defer observe("update", time.Now())
	var out model.Event
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(eventRow)
		err := tx.NewSelect().Model(row).Where("id = ?", eventID).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock event: %w", err)
		}
		if pre != nil && pre.Version != row.Version {
			return fmt.Errorf("event %s at version %d, read %d: %w", eventID, row.Version, pre.Version, ErrStaleWrite)
		}

		cur, err := row.toModel()
		if err != nil {
			return err
		}
		cur.GameState = patch.Apply(cur.GameState)
		cur.UpdatedAt = s.opts.now()
		cur.Version = row.Version + 1
		next := toEventRow(cur)

		res, err := tx.NewUpdate().
			Model(next).
			Column("game_phase", "current_level", "current_question_index", "current_question",
				"current_question_starter_id", "answered_users", "version", "updated_at").
			Where("id = ?", eventID).
			Where("version = ?", row.Version).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("event %s: %w", eventID, ErrStaleWrite)
		}
		out, err = next.toModel()
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return out, nil
}

func (s *BunStore) InsertVote(ctx context.Context, v model.Vote) error {
	defer observe("insert_vote", time.Now())
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.opts.now()
	}
	row := &voteRow{
		EventID:        v.EventID,
		Level:          string(v.Level),
		FromUserID:     v.FromUserID,
		SelectedUserID: v.SelectedUserID,
		CreatedAt:      v.CreatedAt,
	}
	if err := s.requireEvent(ctx, v.EventID); err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s already voted %s: %w", v.FromUserID, v.Level, ErrDuplicateVote)
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	return nil
}

func (s *BunStore) ListVotes(ctx context.Context, eventID string, level model.Level) ([]model.Vote, error) {
	defer observe("list_votes", time.Now())
	var rows []voteRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("event_id = ?", eventID).
		Where("level = ?", string(level)).
		Order("created_at ASC", "from_user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	out := make([]model.Vote, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Vote{
			EventID:        r.EventID,
			Level:          model.Level(r.Level),
			FromUserID:     r.FromUserID,
			SelectedUserID: r.SelectedUserID,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func (s *BunStore) ListParticipants(ctx context.Context, eventID string) ([]model.Participant, error) {
	defer observe("list_participants", time.Now())
	var rows []participantRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("event_id = ?", eventID).
		Order("joined_at ASC", "user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	out := make([]model.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Participant{
			EventID:     r.EventID,
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
			CheckedIn:   r.CheckedIn,
			Presented:   r.Presented,
		})
	}
	return out, nil
}

func (s *BunStore) UpsertParticipant(ctx context.Context, p model.Participant) error {
	defer observe("upsert_participant", time.Now())
	row := &participantRow{
		EventID:     p.EventID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		CheckedIn:   p.CheckedIn,
		Presented:   p.Presented,
		JoinedAt:    s.opts.now(),
	}
	if err := s.requireEvent(ctx, p.EventID); err != nil {
		return err
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (event_id, user_id) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("checked_in = EXCLUDED.checked_in").
		Set("presented = EXCLUDED.presented").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (s *BunStore) Count(ctx context.Context) int {
	n, err := s.db.NewSelect().Model((*eventRow)(nil)).Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

func (s *BunStore) Close() error {
	return s.db.Close()
}

func (s *BunStore) requireEvent(ctx context.Context, eventID string) error {
	ok, err := s.db.NewSelect().Model((*eventRow)(nil)).Where("id = ?", eventID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == uniqueViolation
}

func toEventRow(ev model.Event) *eventRow {
	row := &eventRow{
		ID:                       ev.ID,
		Title:                    ev.Title,
		Location:                 ev.Location,
		StartsAt:                 ev.StartsAt,
		GamePhase:                string(ev.Phase),
		CurrentQuestionIndex:     ev.QuestionIndex,
		CurrentQuestion:          ev.Question,
		CurrentQuestionStarterID: ev.StarterID,
		AnsweredUsers:            ev.AnsweredUsers,
		Version:                  ev.Version,
		UpdatedAt:                ev.UpdatedAt,
	}
	if ev.Level != nil {
		row.CurrentLevel = model.Ptr(string(*ev.Level))
	}
	if row.AnsweredUsers == nil {
		row.AnsweredUsers = []string{}
	}
	return row
}

func (r *eventRow) toModel() (model.Event, error) {
	p, err := model.ParsePhase(r.GamePhase)
	if err != nil {
		return model.Event{}, err
	}
	ev := model.Event{
		ID:       r.ID,
		Title:    r.Title,
		Location: r.Location,
		StartsAt: r.StartsAt,
		GameState: model.GameState{
			Phase:         p,
			QuestionIndex: r.CurrentQuestionIndex,
			Question:      r.CurrentQuestion,
			StarterID:     r.CurrentQuestionStarterID,
			AnsweredUsers: r.AnsweredUsers,
		},
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
	if r.CurrentLevel != nil {
		l, err := model.ParseLevel(*r.CurrentLevel)
		if err != nil {
			return model.Event{}, err
		}
		ev.Level = &l
	}
	if ev.AnsweredUsers == nil {
		ev.AnsweredUsers = []string{}
	}
	return ev.Clone(), nil
}
