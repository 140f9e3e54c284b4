package client

// seenSet は直近にアプリケーションへ渡した通知IDを上限件数まで記憶する。
// 上限を超えると最も古く記憶したIDから忘れる。
type seenSet struct {
	ids   map[int64]struct{}
	order []int64
	// head はorderの中で次に忘れるIDの位置。
	head  int
	limit int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{
		ids:   make(map[int64]struct{}, limit),
		order: make([]int64, 0, limit),
		limit: limit,
	}
}

// has はidを記憶しているかを返す。
func (s *seenSet) has(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

// add はidを記憶する。上限により忘れたIDがあればそれを返す。
func (s *seenSet) add(id int64) (evicted int64, ok bool) {
	if s.has(id) {
		return 0, false
	}
	s.ids[id] = struct{}{}
	if len(s.order) < s.limit {
		s.order = append(s.order, id)
		return 0, false
	}
	evicted = s.order[s.head]
	delete(s.ids, evicted)
	s.order[s.head] = id
	s.head = (s.head + 1) % s.limit
	return evicted, true
}
