package dgr

import (
	"time"
)

/*
 * 	速率控制：
 * 	RTT 估算使用 Jacobson/Karels 算法，重传超时按目的地做指数退避，
 * 	发送速率按周期(episode)根据最近 8 个周期的确认字节数调整。
 */

const (
	// 历史周期数
	episodeHistory = 8

	// 重传次数上下限
	minXmit = 2
	maxXmit = minXmit + 3

	// 初始 RTT 估计，predicted = smoothed + 4*mrd = 3s
	initSmoothed = 0
	initMeanDev  = 750 * time.Millisecond
)

// episode 一个统计周期的数据
type episode struct {
	capacity     int // 计划发送字节数
	serviceLoad  int // 应用提交的字节数
	transmitted  int
	acknowledged int
	unused       int // 未使用的发送额度
}

// initRate 初始化目的地的 RTT 与速率状态
func (d *destination) initRate(cfg *Config) {
	d.smoothed = initSmoothed
	d.meanDev = initMeanDev
	d.predicted = d.smoothed + 4*d.meanDev
	d.predictedResends = 0
	d.bytesToTransmit = cfg.initialBytesToTransmit()
	d.retard = cfg.InitialRetard
}

//
// updateRTT
// @Description: 用一次测得的 RTT 更新估计值
// @receiver d
// @param measured
//
func (d *destination) updateRTT(measured time.Duration) {
	dev := measured - d.smoothed
	d.smoothed += dev / 8
	if dev < 0 {
		dev = -dev
	}
	d.meanDev += (dev - d.meanDev) / 4
	d.predicted = d.smoothed + 4*d.meanDev
	d.predictedResends = 0
}

// retransmitTimeout 退避后的超时，未限幅
func (d *destination) retransmitTimeout() time.Duration {
	return d.predicted << uint(d.predictedResends)
}

// initialRTT is used for destinations that are no longer in the table.
func initialRTT() time.Duration {
	return initSmoothed + 4*initMeanDev
}

func bound(lower, middle, upper time.Duration) time.Duration {
	if middle < lower {
		return lower
	}
	if middle > upper {
		return upper
	}
	return middle
}

//
// maxTransmissions
// @Description: 根据目的地积压量计算最大发送次数，积压越少允许的次数越多
// @param backlog 目的地未确认字节数
// @param maxBacklog
// @return int
//
func maxTransmissions(backlog, maxBacklog int) int {
	n := maxXmit
	for _, level := range [...]int{maxBacklog / 64, maxBacklog / 16, maxBacklog / 4} {
		if backlog >= level {
			n--
		}
	}
	return n
}

//
// adjustRetard
// @Description: 结束当前周期并规划下一个周期的发送速率
// @receiver d
// @param cfg
//
func (d *destination) adjustRetard(cfg *Config) {
	maxIncrease := d.bytesToTransmit
	maxDecrease := d.bytesToTransmit >> 3

	if d.episodeCount < episodeHistory {
		d.episodeCount++
	}

	// 结束当前周期，替换最老的记录
	ep := &d.episodes[d.episodeIdx]
	d.totalServiceLoad -= ep.serviceLoad
	d.totalTransmitted -= ep.transmitted
	d.totalAcknowledged -= ep.acknowledged
	d.totalUnused -= ep.unused

	unused := ep.capacity - d.bytesTransmitted
	if unused < 0 {
		unused = 0
	}
	ep.serviceLoad = d.serviceLoad
	ep.transmitted = d.bytesTransmitted
	ep.acknowledged = d.bytesAcknowledged
	ep.unused = unused

	d.totalServiceLoad += ep.serviceLoad
	d.totalTransmitted += ep.transmitted
	d.totalAcknowledged += ep.acknowledged
	d.totalUnused += ep.unused

	// 规划下一个周期
	d.episodeIdx = (d.episodeIdx + 1) % episodeHistory
	next := &d.episodes[d.episodeIdx]
	next.capacity = (d.totalAcknowledged + d.totalUnused) / d.episodeCount

	// 激进恢复
	rate := next.capacity + next.capacity>>1
	if rate > d.bytesToTransmit {
		if rate-d.bytesToTransmit > maxIncrease {
			rate = d.bytesToTransmit + maxIncrease
		}
	} else if d.bytesToTransmit-rate > maxDecrease {
		rate = d.bytesToTransmit - maxDecrease
	}
	if minRate := cfg.minRate(); rate < minRate {
		rate = minRate
	}
	d.bytesToTransmit = rate
	d.retard = cfg.EpisodePeriod / time.Duration(rate)

	d.serviceLoad = 0
	d.bytesOriginated = 0
	d.bytesTransmitted = 0
	d.bytesAcknowledged = 0
}
