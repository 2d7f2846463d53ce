// Package availability は複数カレンダーの空き状況の集約を提供する。
// 集約結果は読み取りのたびに導出され、永続化されない。
package availability

import (
	"sort"
	"time"

	"github.com/hitoshi/calsync/internal/model"
)

// sourceIntervals は接続1件が報告した予定あり時間帯。
type sourceIntervals struct {
	ConnectionID string
	Intervals    []model.BusyInterval
}

// mergeIntervals は時間帯の集合を開始時刻順に整列し、重なり・隣接する
// 時間帯を結合した最小の集合を返す。入力は変更しない。
func mergeIntervals(intervals []model.BusyInterval) []model.BusyInterval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]model.BusyInterval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []model.BusyInterval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		// 端点が接する場合も1つの時間帯に結合する
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// discretize は予定あり時間帯をスロット粒度のグリッドに展開する。
// スロットはstartを起点にslotSizeごとに区切り、いずれかの接続の
// 予定あり時間帯と重なるスロットをbusyとする（busyの論理和）。
// Sourcesにはそのスロットをbusyにした接続IDが開始時刻順で入る。
// 端点が接するだけのスロットはbusyにならない。
func discretize(start, end time.Time, slotSize time.Duration, sources []sourceIntervals) []model.AvailabilitySlot {
	if !start.Before(end) || slotSize <= 0 {
		return nil
	}

	var slots []model.AvailabilitySlot
	for cursor := start; cursor.Before(end); cursor = cursor.Add(slotSize) {
		slotEnd := cursor.Add(slotSize)
		if slotEnd.After(end) {
			slotEnd = end
		}

		slot := model.AvailabilitySlot{Start: cursor, End: slotEnd}
		for _, src := range sources {
			for _, iv := range src.Intervals {
				if iv.Overlaps(cursor, slotEnd) {
					slot.Busy = true
					slot.Sources = append(slot.Sources, src.ConnectionID)
					break
				}
			}
		}
		slots = append(slots, slot)
	}
	return slots
}

// clampIntervals は時間帯を照会範囲内に切り詰め、範囲外のものを除外する。
// プロバイダーによっては照会範囲をはみ出す時間帯を返すことがある。
func clampIntervals(intervals []model.BusyInterval, start, end time.Time) []model.BusyInterval {
	var clamped []model.BusyInterval
	for _, iv := range intervals {
		if !iv.Overlaps(start, end) {
			continue
		}
		if iv.Start.Before(start) {
			iv.Start = start
		}
		if iv.End.After(end) {
			iv.End = end
		}
		clamped = append(clamped, iv)
	}
	return clamped
}
