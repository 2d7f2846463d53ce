package model

import "time"

// BusyInterval はプロバイダーが報告した予定あり時間帯。
// 空き時間照会の最小単位で、イベント詳細は含まない。
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Overlaps は2つの時間帯が重なるかを返す。端点の接触は重なりに含めない。
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && start.Before(b.End)
}

// AvailabilitySlot は集約済みの空き状況スロット。
// 読み取りのたびに導出され、永続化されない。
// Busyは寄与するいずれかの接続がその時間帯をbusyと報告した場合にtrue
// （busyの論理和）。Sourcesはbusyに寄与した接続IDの集合。
type AvailabilitySlot struct {
	Start   time.Time
	End     time.Time
	Busy    bool
	Sources []string
}
