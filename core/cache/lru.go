package cache

import (
	"container/list"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key string
	val any
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key string
	val any
}

// LRU is a fixed-size least-recently-used cache. All operations are
// funneled through a single goroutine, so it is safe for concurrent use
// without locks.
type LRU struct {
	getCh chan getReq
	putCh chan putReq
	delCh chan string
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh: make(chan getReq),
		putCh: make(chan putReq),
		delCh: make(chan string),
	}

	go l.run(opts.Size)

	return l
}

func (l *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp)
	l.getCh <- getReq{key: key, resp: resp}
	r := <-resp
	return r.val, r.ok
}

func (l *LRU) Put(key string, val any) {
	l.putCh <- putReq{key: key, val: val}
}

func (l *LRU) Delete(key string) {
	l.delCh <- key
}

func (l *LRU) run(size int) {
	ll := list.New()
	index := make(map[string]*list.Element)

	for {
		select {
		case req := <-l.getCh:
			if ele, ok := index[req.key]; ok {
				ll.MoveToFront(ele)
				req.resp <- getResp{val: ele.Value.(*entry).val, ok: true}
			} else {
				req.resp <- getResp{ok: false}
			}
		case req := <-l.putCh:
			if ele, ok := index[req.key]; ok {
				ll.MoveToFront(ele)
				ele.Value.(*entry).val = req.val
				continue
			}
			ele := ll.PushFront(&entry{key: req.key, val: req.val})
			index[req.key] = ele
			if ll.Len() > size {
				if last := ll.Back(); last != nil {
					ll.Remove(last)
					delete(index, last.Value.(*entry).key)
				}
			}
		case key := <-l.delCh:
			if ele, ok := index[key]; ok {
				ll.Remove(ele)
				delete(index, key)
			}
		}
	}
}

var _ Cache = (*LRU)(nil)
