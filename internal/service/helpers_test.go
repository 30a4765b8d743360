package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"

	"family-care-go/internal/config"
	"family-care-go/internal/model"
	"family-care-go/internal/repository"
	"family-care-go/pkg/llm"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// memUserRepo 是 repository.UserRepository 的内存实现。
type memUserRepo struct {
	mu     sync.Mutex
	users  map[uint]model.User
	nextID uint
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[uint]model.User)}
}

func (r *memUserRepo) Create(user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	user.ID = r.nextID
	r.users[user.ID] = *user
	return nil
}

func (r *memUserRepo) FindByEmail(email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memUserRepo) FindByID(userID uint) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &u, nil
}

func (r *memUserRepo) FindByIDs(userIDs []uint) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.User, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *memUserRepo) FindFamilyMembers(patientID uint) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.User, 0)
	for _, u := range r.users {
		if u.Role == model.RoleFamilyMember && u.AssociatedPatientID != nil && *u.AssociatedPatientID == patientID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memUserRepo) Update(user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = *user
	return nil
}

func (r *memUserRepo) Delete(userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
	return nil
}

// fakeLLM 记录调用并按 respond 返回结果。
type fakeLLM struct {
	mu      sync.Mutex
	calls   [][]llm.Message
	params  []*llm.GenerationParams
	respond func(ctx context.Context, messages []llm.Message) (string, error)
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.params = append(f.params, gen)
	respond := f.respond
	f.mu.Unlock()
	return respond(ctx, messages)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) call(i int) []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func isTitleRequest(messages []llm.Message) bool {
	return len(messages) > 0 && messages[0].Content == config.DefaultTitleSystem
}

type broadcastEvent struct {
	kind           string
	conversationID string
	messageID      string
	excludeSession string
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (b *recordingBroadcaster) record(e broadcastEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBroadcaster) BroadcastCreated(conv *model.Conversation, msg model.MessageView, excludeSession string) {
	b.record(broadcastEvent{"created", conv.ID, msg.ID, excludeSession})
}

func (b *recordingBroadcaster) BroadcastEdited(conv *model.Conversation, msg model.MessageView, excludeSession string) {
	b.record(broadcastEvent{"edited", conv.ID, msg.ID, excludeSession})
}

func (b *recordingBroadcaster) BroadcastTyping(conversationID string, principalID uint, excludeSession string) {
	b.record(broadcastEvent{kind: "typing", conversationID: conversationID, excludeSession: excludeSession})
}

func (b *recordingBroadcaster) BroadcastStopTyping(conversationID string, principalID uint, excludeSession string) {
	b.record(broadcastEvent{kind: "stop typing", conversationID: conversationID, excludeSession: excludeSession})
}

func (b *recordingBroadcaster) CloseConversation(conversationID string) {
	b.record(broadcastEvent{kind: "close", conversationID: conversationID})
}

func (b *recordingBroadcaster) DisconnectUser(userID uint) {
	b.record(broadcastEvent{kind: "disconnect", messageID: strconv.FormatUint(uint64(userID), 10)})
}

func (b *recordingBroadcaster) snapshot() []broadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastEvent(nil), b.events...)
}

type recordingIndexer struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (r *recordingIndexer) PublishUpsert(conv *model.Conversation, msg model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, msg.ID)
}

func (r *recordingIndexer) PublishConversationDeleted(conv *model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, conv.ID)
}

type testEnv struct {
	cfg      config.Config
	redis    *redis.Client
	repo     repository.ConversationRepository
	users    *memUserRepo
	llm      *fakeLLM
	bc       *recordingBroadcaster
	indexer  *recordingIndexer
	locker   *ConversationLocker
	engine   MessageEngine
	ai       AITurnService
	family   FamilyService
	svc      ConversationService
	patient  model.Principal
	member   model.Principal
	stranger model.Principal
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		cfg:     cfg,
		redis:   client,
		repo:    repository.NewConversationRepository(client, 50),
		users:   newMemUserRepo(),
		bc:      &recordingBroadcaster{},
		indexer: &recordingIndexer{},
		locker:  NewConversationLocker(),
		llm: &fakeLLM{respond: func(ctx context.Context, messages []llm.Message) (string, error) {
			if isTitleRequest(messages) {
				return "Iron-Rich Foods", nil
			}
			return "Leafy greens, legumes and red meat are good sources of iron.", nil
		}},
	}

	patient := &model.User{Email: "pat@example.com", FullName: "Pat Jones", Role: model.RolePatient}
	require.NoError(t, env.users.Create(patient))
	pid := patient.ID
	member := &model.User{Email: "mia@example.com", FullName: "Mia Jones", Role: model.RoleFamilyMember, Relation: "daughter", AssociatedPatientID: &pid}
	require.NoError(t, env.users.Create(member))
	stranger := &model.User{Email: "sam@example.com", FullName: "Sam Other", Role: model.RolePatient}
	require.NoError(t, env.users.Create(stranger))

	var err error
	env.patient, err = model.NewPrincipal(patient)
	require.NoError(t, err)
	env.member, err = model.NewPrincipal(member)
	require.NoError(t, err)
	env.stranger, err = model.NewPrincipal(stranger)
	require.NoError(t, err)

	env.engine = NewMessageEngine(env.repo, env.locker)
	env.ai = NewAITurnService(env.repo, env.locker, env.llm, env.users, cfg.LLM, cfg.Chat)
	env.family = NewFamilyService(env.users)
	env.svc = NewConversationService(env.repo, env.locker, env.engine, env.ai, env.family, env.users, env.bc, env.indexer, cfg.Chat)
	return env
}

// newAIConversation 以 principal 身份创建一个空的 AI 会话。
func (e *testEnv) newAIConversation(t *testing.T, principal model.Principal) string {
	t.Helper()
	view, err := e.svc.CreateAI(context.Background(), principal)
	require.NoError(t, err)
	return view.ID
}

func (e *testEnv) newFamilyConversation(t *testing.T) string {
	t.Helper()
	conv, err := e.svc.EnsureFamilyConversation(context.Background(), e.patient.PatientID())
	require.NoError(t, err)
	return conv.ID
}

func (e *testEnv) load(t *testing.T, conversationID string) *model.Conversation {
	t.Helper()
	conv, err := e.repo.Get(context.Background(), conversationID)
	require.NoError(t, err)
	return conv
}
