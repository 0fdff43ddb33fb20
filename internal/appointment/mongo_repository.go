package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	appointmentsCollection = "appointments"
	eventLogsCollection    = "event_logs"
	mongoDuplicateKey      = 11000
)

// appointmentDoc is the stored form. slot_key is only present while the record
// holds its key; a unique sparse index on it enforces one live record per key.
type appointmentDoc struct {
	ID              string    `bson:"_id"`
	FullName        string    `bson:"full_name"`
	Phone           string    `bson:"phone"`
	Email           string    `bson:"email,omitempty"`
	NationalID      string    `bson:"national_id"`
	Gender          string    `bson:"gender,omitempty"`
	DOB             string    `bson:"dob,omitempty"`
	Address         string    `bson:"address,omitempty"`
	IDProof         string    `bson:"id_proof,omitempty"`
	Reason          string    `bson:"reason,omitempty"`
	Service         string    `bson:"service,omitempty"`
	Center          string    `bson:"center,omitempty"`
	AppointmentDate string    `bson:"appointment_date,omitempty"`
	AppointmentSlot string    `bson:"appointment_slot,omitempty"`
	Track           string    `bson:"track,omitempty"`
	SlotKey         string    `bson:"slot_key,omitempty"`
	Status          string    `bson:"status"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

type eventDoc struct {
	EventType     string    `bson:"event_type"`
	AppointmentID string    `bson:"appointment_id,omitempty"`
	Payload       string    `bson:"payload,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toDoc(a *Appointment) appointmentDoc {
	d := appointmentDoc{
		ID:              a.ID.String(),
		FullName:        a.FullName,
		Phone:           a.Phone,
		Email:           a.Email,
		NationalID:      a.NationalID,
		Gender:          a.Gender,
		DOB:             a.DOB,
		Address:         a.Address,
		IDProof:         a.IDProof,
		Reason:          a.Reason,
		Service:         a.Service,
		Center:          a.Center,
		AppointmentDate: a.AppointmentDate,
		AppointmentSlot: a.AppointmentSlot,
		Track:           a.Track,
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	d.SlotKey = slotKeyOf(a)
	return d
}

func (d appointmentDoc) toModel() (*Appointment, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decode appointment id %q: %w", d.ID, err)
	}
	return &Appointment{
		ID: id,
		Applicant: Applicant{
			FullName:   d.FullName,
			Phone:      d.Phone,
			Email:      d.Email,
			NationalID: d.NationalID,
			Gender:     d.Gender,
			DOB:        d.DOB,
			Address:    d.Address,
			IDProof:    d.IDProof,
			Reason:     d.Reason,
			Service:    d.Service,
		},
		Center:          d.Center,
		AppointmentDate: d.AppointmentDate,
		AppointmentSlot: d.AppointmentSlot,
		Track:           d.Track,
		Status:          Status(d.Status),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

// slotKeyOf is empty unless the record occupies its key.
func slotKeyOf(a *Appointment) string {
	if !a.Occupying() {
		return ""
	}
	key, _ := a.SlotKey()
	return key.String()
}

type MongoRepository struct {
	db           *mongo.Database
	appointments *mongo.Collection
	events       *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		db:           db,
		appointments: db.Collection(appointmentsCollection),
		events:       db.Collection(eventLogsCollection),
	}
}

// EnsureIndexes creates the slot key uniqueness index and the listing indexes.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.appointments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "slot_key", Value: 1}},
			Options: options.Index().SetName("slot_key_uniq").SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "center", Value: 1}, {Key: "appointment_date", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create appointment indexes: %w", err)
	}
	return nil
}

func mongoNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (r *MongoRepository) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = mongoNow()
	a.UpdatedAt = a.CreatedAt

	if _, err := r.appointments.InsertOne(ctx, toDoc(a)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *MongoRepository) FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var d appointmentDoc
	err := r.appointments.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d.toModel()
}

func (r *MongoRepository) FindByFilter(ctx context.Context, f Filter) ([]Appointment, error) {
	filter := bson.M{}
	if f.Center != "" {
		filter["center"] = f.Center
	}
	if f.Date != "" {
		filter["appointment_date"] = f.Date
	}
	if len(f.Statuses) > 0 {
		statuses := make(bson.A, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		filter["status"] = bson.M{"$in": statuses}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	return r.find(ctx, filter, opts)
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Appointment, error) {
	cur, err := r.appointments.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	result := make([]Appointment, 0)
	for cur.Next(ctx) {
		var d appointmentDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		a, err := d.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// replace writes next over the stored version cur. The filter pins updated_at so
// a concurrent writer surfaces as ErrConcurrentUpdate rather than a lost update.
func (r *MongoRepository) replace(ctx context.Context, cur, next *Appointment) error {
	next.UpdatedAt = mongoNow()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Millisecond)
	}

	res, err := r.appointments.ReplaceOne(ctx, bson.M{
		"_id":        cur.ID.String(),
		"updated_at": cur.UpdatedAt,
	}, toDoc(next))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: appointment %s", ErrConcurrentUpdate, cur.ID)
	}
	return nil
}

func (r *MongoRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Appointment, error) {
	cur, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *cur
	next.Status = status
	if err := r.replace(ctx, cur, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (r *MongoRepository) UpdateFields(ctx context.Context, id uuid.UUID, patch Patch) (bool, error) {
	cur, err := r.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	next := *cur
	if !patch.ApplyTo(&next) {
		return false, nil
	}
	if err := r.replace(ctx, cur, &next); err != nil {
		return false, err
	}
	return true, nil
}

// InsertReservations uses an unordered InsertMany so one duplicate key does not
// stop the remaining documents; duplicate key write errors become false entries.
func (r *MongoRepository) InsertReservations(ctx context.Context, records []Appointment) ([]bool, error) {
	inserted := make([]bool, len(records))
	if len(records) == 0 {
		return inserted, nil
	}

	ts := mongoNow()
	docs := make([]interface{}, len(records))
	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
		records[i].CreatedAt = ts
		records[i].UpdatedAt = ts
		docs[i] = toDoc(&records[i])
		inserted[i] = true
	}

	_, err := r.appointments.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return inserted, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return nil, err
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != mongoDuplicateKey {
			return nil, err
		}
		if we.Index >= 0 && we.Index < len(inserted) {
			inserted[we.Index] = false
		}
	}
	return inserted, nil
}

func (r *MongoRepository) AssignSlot(ctx context.Context, id uuid.UUID, key SlotKey) (*Appointment, error) {
	cur, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *cur
	next.Center = key.Center
	next.AppointmentDate = key.Date
	next.AppointmentSlot = key.Label
	next.Track = key.Track
	if err := r.replace(ctx, cur, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (r *MongoRepository) FindStalePlaceholders(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	filter := bson.M{
		"status":           string(StatusPending),
		"appointment_slot": bson.M{"$in": bson.A{nil, ""}},
		"created_at":       bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	return r.find(ctx, filter, opts)
}

func (r *MongoRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	d := eventDoc{
		EventType: ev.EventType,
		Payload:   string(ev.Payload),
		CreatedAt: ev.CreatedAt,
	}
	if ev.AppointmentID != nil {
		d.AppointmentID = ev.AppointmentID.String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = mongoNow()
	}

	if _, err := r.events.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.db.Client().Ping(ctx, nil)
}
